package manifest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var limitSchema = []byte(`{"type":"object","required":["limit"],"properties":{"limit":{"type":"integer","minimum":1}}}`)

func TestSchemaValidator(t *testing.T) {
	v := NewSchemaValidator()

	violations, err := v.Validate(limitSchema, json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	assert.Empty(t, violations)

	violations, err = v.Validate(limitSchema, json.RawMessage(`{"limit":"five"}`))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.True(t, strings.HasPrefix(violations[0], "limit:"), violations[0])

	violations, err = v.Validate(limitSchema, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, violations, "missing params are validated as {}")

	violations, err = v.Validate(limitSchema, json.RawMessage(`not json`))
	require.NoError(t, err)
	assert.NotEmpty(t, violations)

	assert.Len(t, v.compiled, 1, "schema compiled once")
}

func TestSchemaValidator_EmptySchemaAcceptsAnything(t *testing.T) {
	violations, err := NewSchemaValidator().Validate(nil, json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestSchemaValidator_BadSchema(t *testing.T) {
	_, err := NewSchemaValidator().Validate([]byte(`{"type": 12}`), json.RawMessage(`{}`))
	assert.Error(t, err)
}
