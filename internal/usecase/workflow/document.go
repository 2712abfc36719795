package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"llmflow/internal/domain"
)

// workflowSchema checks the document shape before typed decoding, so a
// wrongly typed field is reported against the file instead of surfacing
// as a confusing zero value later.
const workflowSchema = `{
  "type": "object",
  "required": ["name", "start_state", "states"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "model": {"type": "string"},
    "start_state": {"type": "string", "minLength": 1},
    "error_state": {"type": "string"},
    "variables_file": {"type": "string"},
    "variables": {"type": "object"},
    "mcp_servers": {
      "type": "object",
      "additionalProperties": {"type": ["string", "object"]}
    },
    "rag": {
      "type": "object",
      "additionalProperties": {"type": "object", "required": ["directory"]}
    },
    "states": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "properties": {
          "type": {"enum": ["prompt", "input", "workflow_ref", "transition"]},
          "prompt": {"type": "string"},
          "prompt_file": {"type": "string"},
          "next": {"type": "string"},
          "save_as": {"type": "string"},
          "model": {"type": "string"},
          "options": {"type": "object"},
          "mcp_servers": {"type": "array", "items": {"type": "string"}},
          "rag": {"type": "string"},
          "rag_config": {"type": "object"},
          "default": {"type": ["string", "number", "boolean"]},
          "error_state": {"type": "string"},
          "files": {"type": "array", "items": {"type": "string"}},
          "workflow_ref": {"type": "string"},
          "steps": {"type": "array", "items": {"type": "object"}},
          "next_options": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["state"],
              "properties": {
                "state": {"type": "string"},
                "description": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

// Schema is a compiled document schema.
type Schema = jsonschema.Schema

// CompileSchema compiles a JSON Schema source used by DecodeDocument.
func CompileSchema(src string) (*Schema, error) {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return schema, nil
}

// DecodeDocument reads the YAML (or JSON) document at path, checks it
// against schema and decodes it into out. A missing file wraps
// domain.ErrNotFound; a malformed or mis-shaped one wraps domain.ErrParse.
func DecodeDocument(path string, schema *Schema, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrNotFound, path)
		}
		return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, fmt.Sprintf("%s: %v", path, err))
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, fmt.Sprintf("%s: %v", path, err))
	}
	if raw == nil {
		return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, path+": empty document")
	}

	if schema != nil {
		generic, err := toJSONValue(raw)
		if err != nil {
			return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, fmt.Sprintf("%s: %v", path, err))
		}
		if result := schema.Validate(generic); !result.IsValid() {
			return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, fmt.Sprintf("%s: %s", path, result.Error()))
		}
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return domain.NewSubSystemError("compiler", "DecodeDocument", domain.ErrParse, fmt.Sprintf("%s: %v", path, err))
	}
	return nil
}

// toJSONValue normalizes a YAML value to the shapes encoding/json produces
// (string keys, float64 numbers), which is what the schema validator expects.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
