package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actuator/pkg/schema"
)

const webhookSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "format": "uri"},
    "retries": {"type": "integer", "minimum": 0}
  },
  "required": ["url"]
}`

func TestValidateInput_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateInput(map[string]any{"retries": -1}, []byte(webhookSchema))
	require.Error(t, err)

	var aerr *schema.ActuatorError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, schema.ErrCodeInvalidParameters, aerr.Code)
	assert.Contains(t, aerr.Message, "(and 1 more)")

	violations, ok := aerr.Details["violations"].([]Violation)
	require.True(t, ok)
	require.Len(t, violations, 2)
	paths := []string{violations[0].Path, violations[1].Path}
	assert.ElementsMatch(t, []string{"/", "/retries"}, paths)
}

func TestValidateInput_AcceptsAndCaches(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInput(map[string]any{"url": "https://example.test", "retries": 2}, []byte(webhookSchema)))
	}
	assert.Len(t, v.cache, 1)

	require.NoError(t, v.ValidateInput(nil, nil))
}

func TestValidateInput_BadSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateInput(map[string]any{}, []byte(`{"type": 12`))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Empty(t, v.cache)
}

func TestValidatePolicyDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	require.NoError(t, v.ValidatePolicyDocument(nil))
	require.NoError(t, v.ValidatePolicyDocument(&schema.RetryPolicy{
		MaxAttempts: 5, BaseDelay: "250ms", MaxDelay: "1m30s", Multiplier: 1.5, RetryOn: []int{429, 503},
	}))

	err = v.ValidatePolicyDocument(&schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "soon"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = v.ValidatePolicyDocument(&schema.RetryPolicy{MaxAttempts: 3, RetryOn: []int{200}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
