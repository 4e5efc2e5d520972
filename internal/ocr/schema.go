package ocr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// playersSchema is the contract an operation-B payload must satisfy: a
// non-empty player list with per-player names and stacks, optional role
// indicators from {D, SB, BB}, and a hero record.
const playersSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["players", "hero"],
  "properties": {
    "players": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "stack"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "stack": {"type": "number", "minimum": 0},
          "role": {"type": "string", "enum": ["D", "SB", "BB"]}
        }
      }
    },
    "hero": {
      "type": "object",
      "required": ["name", "stack"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "stack": {"type": "number", "minimum": 0}
      }
    },
    "board": {
      "type": "array",
      "items": {"type": "string", "minLength": 2}
    },
    "hero_cards": {
      "type": "array",
      "items": {"type": "string", "minLength": 2}
    }
  }
}`

var compiledPlayersSchema = gojsonschema.NewStringLoader(playersSchema)

// DecodePlayersPayload validates raw against the operation-B schema and
// decodes it. Schema violations come back as KindSchema failures so the
// caller can fall back to positional mapping for that screenshot.
func DecodePlayersPayload(raw []byte) (PlayersResult, error) {
	doc := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(compiledPlayersSchema, doc)
	if err != nil {
		return PlayersResult{}, SchemaViolation(fmt.Errorf("validate players payload: %w", err))
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descs = append(descs, e.String())
		}
		return PlayersResult{}, SchemaViolation(fmt.Errorf("players payload: %s", strings.Join(descs, "; ")))
	}

	var payload PlayersResult
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PlayersResult{}, SchemaViolation(fmt.Errorf("decode players payload: %w", err))
	}
	return payload, nil
}
