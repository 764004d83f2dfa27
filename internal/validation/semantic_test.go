package validation

import (
	"errors"
	"testing"

	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicyChecker(t *testing.T, compile func(string) error) *PolicyChecker {
	t.Helper()
	js, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewPolicyChecker(js, compile)
}

func TestPolicy_Valid(t *testing.T) {
	c := newPolicyChecker(t, nil)
	p := &schema.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   "100ms",
		Multiplier:  2,
		MaxDelay:    "1.5s",
		RetryOn:     []int{429, 503},
	}
	assert.NoError(t, c.Validate(p))
	assert.NoError(t, c.Validate(nil))
}

func TestPolicy_SchemaViolations(t *testing.T) {
	c := newPolicyChecker(t, nil)
	cases := map[string]*schema.RetryPolicy{
		"bad duration":     {MaxAttempts: 3, BaseDelay: "ten seconds"},
		"too many":         {MaxAttempts: 1000},
		"negative":         {MaxAttempts: -1},
		"shrinking":        {MaxAttempts: 3, Multiplier: 0.5},
		"status range":     {MaxAttempts: 3, RetryOn: []int{200}},
		"duplicate status": {MaxAttempts: 3, RetryOn: []int{503, 503}},
	}
	for name, p := range cases {
		err := c.Validate(p)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err), name)
	}
}

func TestPolicy_BaseExceedsMax(t *testing.T) {
	result := &schema.ValidationResult{}
	newPolicyChecker(t, nil).Check("actions.fetch_status.retry", &schema.RetryPolicy{
		MaxAttempts: 3, BaseDelay: "5s", MaxDelay: "1s",
	}, result)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "actions.fetch_status.retry", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "exceeds max_delay")
}

func TestPolicy_RetryIfCompiled(t *testing.T) {
	var seen string
	c := newPolicyChecker(t, func(expr string) error {
		seen = expr
		if expr == "broken(" {
			return errors.New("syntax error")
		}
		return nil
	})

	assert.NoError(t, c.Validate(&schema.RetryPolicy{MaxAttempts: 3, RetryIf: "err.status == 503"}))
	assert.Equal(t, "err.status == 503", seen)

	result := &schema.ValidationResult{}
	c.Check("retry", &schema.RetryPolicy{MaxAttempts: 3, RetryIf: "broken("}, result)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "retry.retry_if", result.Errors[0].Path)
}

func TestPolicy_Warnings(t *testing.T) {
	result := &schema.ValidationResult{}
	newPolicyChecker(t, nil).Check("retry", &schema.RetryPolicy{
		MaxAttempts: 1, BaseDelay: "1s", RetryOn: []int{503}, RetryIf: "true",
	}, result)

	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 2)
}
