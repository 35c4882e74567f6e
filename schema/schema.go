// Package schema compiles and applies JSON Schema documents to method call
// parameters. Validation collects every failing field in one pass so a
// caller sees the complete set of problems, not just the first.
package schema

import (
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/crosswire/crosswire/errors"
)

// Schema is a compiled JSON Schema ready to validate call params. The zero
// value (and nil) accepts everything.
type Schema struct {
	compiled *gojsonschema.Schema
	raw      json.RawMessage
}

// Compile parses the raw JSON Schema document. An empty document yields a
// permissive schema.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{}, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Compile", "schema compilation")
	}
	return &Schema{compiled: compiled, raw: raw}, nil
}

// MustCompile is Compile for schemas known valid at build time.
func MustCompile(raw string) *Schema {
	s, err := Compile(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the original schema document, nil for permissive schemas.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks params against the schema and returns a ValidationError
// naming every failing field. The method name is carried into the error for
// context. Nil and permissive schemas accept any params.
func (s *Schema) Validate(method string, params map[string]any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return errors.WrapInvalid(err, "schema", "Validate", "params validation")
	}
	if result.Valid() {
		return nil
	}
	fields := make([]errors.FieldError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" {
			if prop, ok := desc.Details()["property"].(string); ok {
				field = prop
			}
		}
		fields = append(fields, errors.FieldError{Field: field, Reason: desc.Description()})
	}
	return &errors.ValidationError{Method: method, Fields: fields}
}
