package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActuatorError_Format(t *testing.T) {
	err := NewError(ErrCodeUnknownAction, "not registered")
	assert.Equal(t, "[UNKNOWN_ACTION] not registered", err.Error())

	err = NewErrorf(ErrCodeInvalidParameters, "missing %q", "url").WithAction("fetch_status")
	assert.Equal(t, `[INVALID_PARAMETERS] action fetch_status: missing "url"`, err.Error())
}

func TestActuatorError_UnwrapAndCodeOf(t *testing.T) {
	root := NewError(ErrCodeConnection, "dial tcp: connection refused")
	wrapped := NewError(ErrCodeActionFailed, "attempts exhausted").WithCause(root)

	assert.Equal(t, ErrCodeActionFailed, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, root))

	var inner *ActuatorError
	require.True(t, errors.As(wrapped.Unwrap(), &inner))
	assert.Equal(t, ErrCodeConnection, inner.Code)

	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.True(t, IsCode(fmt.Errorf("ctx: %w", root), ErrCodeConnection))
}

func TestActuatorError_WithDetailsMerges(t *testing.T) {
	err := NewError(ErrCodeHTTPStatus, "503").
		WithDetails(map[string]any{"status_code": 503}).
		WithDetails(map[string]any{"url": "https://example.test"})

	assert.Equal(t, 503, err.Details["status_code"])
	assert.Equal(t, "https://example.test", err.Details["url"])
	assert.Equal(t, 503, err.StatusCode())
}

func TestActuatorError_StatusCode_OnlyForHTTPStatus(t *testing.T) {
	err := NewError(ErrCodeConnection, "reset").WithDetails(map[string]any{"status_code": 500})
	assert.Equal(t, 0, err.StatusCode())

	err = NewError(ErrCodeHTTPStatus, "decoded").WithDetails(map[string]any{"status_code": float64(429)})
	assert.Equal(t, 429, err.StatusCode())
}

func TestActuatorError_IsTransient(t *testing.T) {
	assert.True(t, NewError(ErrCodeConnection, "x").IsTransient())
	assert.True(t, NewError(ErrCodeTimeout, "x").IsTransient())
	assert.False(t, NewError(ErrCodeHTTPStatus, "x").IsTransient())
	assert.False(t, NewError(ErrCodeExecution, "x").IsTransient())
}

func TestRetryPolicy_Merge(t *testing.T) {
	base := RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", Multiplier: 2, RetryOn: []int{503}}

	var nilPolicy *RetryPolicy
	assert.Equal(t, base, nilPolicy.Merge(base))

	override := &RetryPolicy{MaxAttempts: 5, Jitter: true}
	merged := override.Merge(base)
	assert.Equal(t, 5, merged.MaxAttempts)
	assert.Equal(t, "100ms", merged.BaseDelay)
	assert.Equal(t, float64(2), merged.Multiplier)
	assert.True(t, merged.Jitter)
	assert.Equal(t, []int{503}, merged.RetryOn)
}

func TestTerminalEvent(t *testing.T) {
	assert.Equal(t, EventInvocationSucceeded, TerminalEvent(InvocationStatusSucceeded))
	assert.Equal(t, EventInvocationCancelled, TerminalEvent(InvocationStatusCancelled))
	assert.Equal(t, EventInvocationRejected, TerminalEvent(InvocationStatusRejected))
	assert.Equal(t, EventInvocationFailed, TerminalEvent(InvocationStatusFailed))
}
