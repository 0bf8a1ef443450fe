package intake

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// submitSchema is the admission contract for POST /api/v1/requests. The
// payload object stays opaque to the engine; only the envelope is validated.
const submitSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["target", "principal", "action"],
	"additionalProperties": false,
	"properties": {
		"target": {
			"type": "string",
			"minLength": 1,
			"maxLength": 64,
			"pattern": "^[a-z0-9][a-z0-9_-]*$"
		},
		"principal": {
			"type": "string",
			"minLength": 1,
			"maxLength": 256
		},
		"action": {
			"type": "string",
			"minLength": 1,
			"maxLength": 256
		},
		"payload": {
			"type": "object"
		},
		"expires_at": {
			"type": "string",
			"format": "date-time"
		}
	}
}`

// compileSubmitSchema compiles the admission schema once at startup.
func compileSubmitSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submitSchema))
	if err != nil {
		return nil, fmt.Errorf("parse submit schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submit.json", doc); err != nil {
		return nil, fmt.Errorf("register submit schema: %w", err)
	}
	schema, err := compiler.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	return schema, nil
}

// validateSubmit checks a raw body against the admission schema.
func validateSubmit(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
