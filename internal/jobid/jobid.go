// Package jobid generates job identifiers: a UUIDv7 encoded with
// Crockford's base32, prefixed "job_". The leading timestamp bits make
// identifiers sort in creation order, which keeps stored jobs browsable.
package jobid

import (
	"crypto/rand"
	"io"
	"time"
)

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// New returns a fresh identifier.
func New() string {
	return NewAt(time.Now(), rand.Reader)
}

// NewAt builds an identifier from an explicit time and entropy source.
func NewAt(now time.Time, entropy io.Reader) string {
	var uuid [16]byte

	ms := now.UnixMilli()
	uuid[0] = byte(ms >> 40)
	uuid[1] = byte(ms >> 32)
	uuid[2] = byte(ms >> 24)
	uuid[3] = byte(ms >> 16)
	uuid[4] = byte(ms >> 8)
	uuid[5] = byte(ms)

	if _, err := io.ReadFull(entropy, uuid[6:]); err != nil {
		panic("jobid: entropy source failed: " + err.Error())
	}

	// UUIDv7 version and variant bits.
	uuid[6] = (uuid[6] & 0x0f) | 0x70
	uuid[8] = (uuid[8] & 0x3f) | 0x80

	return "job_" + encodeBase32(uuid)
}

// encodeBase32 packs the 128 bits into 26 base32 characters, five bits
// at a time.
func encodeBase32(data [16]byte) string {
	result := make([]byte, 26)
	for i := 0; i < 26; i++ {
		bitOffset := i * 5
		byteIndex := bitOffset / 8
		bitIndex := bitOffset % 8

		var value uint8
		if byteIndex < 16 {
			if bitIndex <= 3 {
				value = (data[byteIndex] >> (3 - bitIndex)) & 0x1f
			} else {
				value = (data[byteIndex] << (bitIndex - 3)) & 0x1f
				if byteIndex+1 < 16 {
					value |= data[byteIndex+1] >> (11 - bitIndex)
				}
			}
		}
		result[i] = alphabet[value]
	}
	return string(result)
}
