// Package schemavalidation validates commitment payloads against a
// JSON Schema before they reach the canonicalizer.
package schemavalidation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaViolation is returned when a payload fails schema validation.
var ErrSchemaViolation = errors.New("schemavalidation: payload violates schema")

// PayloadSchemaID is the $id of the compiled commitment payload schema.
const PayloadSchemaID = "commitment-payload-v1.schema.json"

//go:embed schemas/commitment-payload-v1.schema.json
var payloadSchemaDoc []byte

// NewPayloadValidator compiles the built-in commitment payload schema.
func NewPayloadValidator() (*Validator, error) {
	return New(PayloadSchemaID, payloadSchemaDoc)
}

// Validator compiles and holds the commitment payload JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the given schema document (raw JSON bytes) under id.
func New(id string, schemaDoc []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, bytes.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("schemavalidation: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("schemavalidation: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// NewFromFile compiles a schema loaded from disk.
func NewFromFile(path string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("schemavalidation: compile schema %s: %w", path, err)
	}
	return &Validator{schema: schema}, nil
}

// ValidatePayload checks a decoded commitment payload (as produced by
// encoding/json.Unmarshal into map[string]interface{} or similar) against
// the compiled schema.
func (v *Validator) ValidatePayload(payload interface{}) error {
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
