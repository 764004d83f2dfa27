package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Empty(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsOnly(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("retry.jitter", "jitter disabled")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddErr_SkipsNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddErr("retry", nil)
	assert.True(t, r.Valid())

	r.AddErr("retry", errors.New("bad delay"))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "retry", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("schedules[0].cron", "invalid cron expression")

	err := r.ToError()
	require.Error(t, err)

	var aerr *ActuatorError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, ErrCodeValidation, aerr.Code)
	assert.Equal(t, "schedules[0].cron: invalid cron expression", aerr.Message)
	assert.Equal(t, 1, aerr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("retry", "err1")
	r.AddError("endpoints[1]", "err2")
	r.AddWarning("transport", "warn1")

	err := r.ToError()
	require.Error(t, err)

	var aerr *ActuatorError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "retry: err1 (and 1 more error)", aerr.Message)
	assert.Equal(t, []string{"retry", "endpoints[1]"}, r.Paths())
	assert.Equal(t, 2, aerr.Details["error_count"])
	assert.Equal(t, 1, aerr.Details["warning_count"])
}
