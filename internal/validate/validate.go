// Package validate checks batch BookRequest input against a JSON Schema
// before any network activity starts, so malformed input surfaces as a
// configuration error up front instead of a panic deep in the pipeline.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["site", "book_id"],
    "properties": {
      "site":        {"type": "string", "minLength": 1},
      "book_id":     {"type": "string", "minLength": 1},
      "out_dir":     {"type": "string"},
      "max_retries": {"type": "integer", "minimum": 0},
      "cookie":      {"type": "string"}
    },
    "additionalProperties": false
  }
}`

var compiled *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("batch.json", bytes.NewReader([]byte(batchSchema))); err != nil {
		panic(fmt.Sprintf("validate: compiling embedded schema: %v", err))
	}
	s, err := c.Compile("batch.json")
	if err != nil {
		panic(fmt.Sprintf("validate: compiling embedded schema: %v", err))
	}
	compiled = s
}

// ConfigError wraps a schema violation as a Configuration error, never
// retryable and never a transport fault.
type ConfigError struct{ cause error }

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid batch request file: %v", e.cause) }
func (e *ConfigError) Unwrap() error { return e.cause }

// Batch validates raw JSON bytes (a list of BookRequest objects) against
// the embedded schema, returning a *ConfigError describing every
// violation if validation fails.
func Batch(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ConfigError{cause: err}
	}
	if err := compiled.Validate(v); err != nil {
		return &ConfigError{cause: err}
	}
	return nil
}
