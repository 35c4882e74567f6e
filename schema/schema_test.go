package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire/crosswire/errors"
)

const chatSchema = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string"},
		"content":   {"type": "string"},
		"model":     {"type": "string", "enum": ["small", "large"]}
	},
	"required": ["sessionId", "content"]
}`

func TestValidate_AllFieldsReported(t *testing.T) {
	s := MustCompile(chatSchema)

	err := s.Validate("agent.send", map[string]any{"model": "huge"})
	require.Error(t, err)

	ve, ok := errors.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "agent.send", ve.Method)
	assert.ElementsMatch(t, []string{"sessionId", "content", "model"}, ve.FieldNames())
}

func TestValidate_Passes(t *testing.T) {
	s := MustCompile(chatSchema)

	err := s.Validate("agent.send", map[string]any{
		"sessionId": "s1",
		"content":   "hello",
		"model":     "small",
	})
	assert.NoError(t, err)
}

func TestValidate_NilParamsAgainstRequired(t *testing.T) {
	s := MustCompile(chatSchema)

	err := s.Validate("agent.send", nil)
	require.Error(t, err)
	ve, ok := errors.AsValidationError(err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"sessionId", "content"}, ve.FieldNames())
}

func TestCompile_Empty(t *testing.T) {
	s, err := Compile(nil)
	require.NoError(t, err)
	assert.NoError(t, s.Validate("anything", map[string]any{"x": 1}))
	assert.Nil(t, s.Raw())
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"type": 42}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNilSchemaAcceptsAll(t *testing.T) {
	var s *Schema
	assert.NoError(t, s.Validate("m", map[string]any{"a": true}))
	assert.Nil(t, s.Raw())
}
