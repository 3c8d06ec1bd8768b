package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// definitionSchemaJSON is the wire schema for handler registration.
// Unknown fields are rejected so typos in pattern or slot names fail loudly
// instead of silently registering a handler that never routes.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "description"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "patterns": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["kind", "value"],
        "properties": {
          "kind": {"enum": ["keyword", "regex", "semantic", "prefix"]},
          "value": {"type": "string", "minLength": 1},
          "boost": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "slots": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "required": {"type": "boolean"},
          "validation_regex": {"type": "string"},
          "description": {"type": "string"},
          "examples": {"type": "array", "items": {"type": "string"}},
          "aliases": {"type": "array", "items": {"type": "string"}},
          "max_attempts": {"type": "integer", "minimum": 1},
          "error_message": {"type": "string"}
        }
      }
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "parameters": {"type": "string"}
        }
      }
    },
    "response_templates": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "template_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["when", "use"],
        "properties": {
          "when": {"type": "string", "minLength": 1},
          "use": {"type": "string", "minLength": 1}
        }
      }
    },
    "example_utterances": {"type": "array", "items": {"type": "string"}},
    "confidence_floor": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var definitionSchema = jsonschema.MustCompileString("handler_definition.schema.json", definitionSchemaJSON)

// ParseDefinition decodes and validates a registration payload.
func ParseDefinition(raw []byte) (*HandlerDefinition, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode handler definition: %w", err)
	}

	if err := definitionSchema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("handler definition invalid: %w", err)
	}

	var def HandlerDefinition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode handler definition: %w", err)
	}

	return &def, nil
}
