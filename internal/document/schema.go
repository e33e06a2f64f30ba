package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is fatal for the submission that carried the payload.
// It is surfaced, never retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid document payload: " + e.Detail
}

const blocksSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "type", "text", "metadata"],
    "additionalProperties": false,
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "type": {
        "type": "string",
        "enum": ["scene_heading", "action", "character", "dialogue", "parenthetical", "transition", "note"]
      },
      "text": {"type": "string"},
      "metadata": {
        "type": "object",
        "required": ["uuid", "timestamp"],
        "additionalProperties": false,
        "properties": {
          "uuid": {"type": "string", "minLength": 1},
          "timestamp": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var blocksSchema = mustCompileBlocksSchema()

func mustCompileBlocksSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(blocksSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("blocks schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("blocks.json", doc); err != nil {
		panic(fmt.Sprintf("blocks schema: %v", err))
	}
	schema, err := compiler.Compile("blocks.json")
	if err != nil {
		panic(fmt.Sprintf("blocks schema: %v", err))
	}
	return schema
}

// ValidateBlocksJSON checks a raw content payload against the block schema.
// Called at every boundary that accepts untrusted content: save request and
// response bodies, queue entries and snapshots loaded from disk.
func ValidateBlocksJSON(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	if err := blocksSchema.Validate(inst); err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	return nil
}

// ValidateBlocks round-trips typed blocks through the schema. Used before
// persisting snapshots so that malformed content never reaches disk.
func ValidateBlocks(blocks []Block) error {
	if blocks == nil {
		blocks = []Block{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	return ValidateBlocksJSON(data)
}

// DecodeBlocks validates and unmarshals a raw content payload.
func DecodeBlocks(data []byte) ([]Block, error) {
	if err := ValidateBlocksJSON(data); err != nil {
		return nil, err
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	return blocks, nil
}
