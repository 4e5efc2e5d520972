package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Job statuses, in lifecycle order. Terminal statuses are never left.
const (
	StatusInitialized = "initialized"
	StatusParsing     = "parsing"
	StatusOCRA        = "ocr_a"
	StatusMatching    = "matching"
	StatusOCRB        = "ocr_b"
	StatusMapping     = "mapping"
	StatusAggregating = "aggregating"
	StatusRewriting   = "rewriting"
	StatusClassifying = "classifying"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// HandFile is one uploaded hand-history text file.
type HandFile struct {
	Filename string
	Text     string
}

// Screenshot is one uploaded client screenshot. Data takes precedence
// over Path; when Data is nil the bytes are read from Path on first
// OCR use and dropped after the last driver that needs them.
type Screenshot struct {
	Filename  string
	Path      string
	MediaType string
	Data      []byte
	Timestamp time.Time
}

func (s *Screenshot) load(_ context.Context) ([]byte, error) {
	if s.Data != nil {
		return s.Data, nil
	}
	if s.Path == "" {
		return nil, fmt.Errorf("screenshot %s: no content", s.Filename)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read screenshot %s: %w", s.Filename, err)
	}
	return data, nil
}

// Job is the root of one run: the input file set, the service tier,
// and the identifiers the rest of the system keys on.
type Job struct {
	ID          string
	Tier        string
	Files       []HandFile
	Screenshots []Screenshot
}
