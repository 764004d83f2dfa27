package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Registration.
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeDuplicateName  = "DUPLICATE_NAME"
	ErrCodeRegistrySealed = "REGISTRY_SEALED"

	// Invocation.
	ErrCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeCancelled         = "CANCELLED"

	// Transport.
	ErrCodeConnection = "CONNECTION_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeHTTPStatus = "HTTP_STATUS_ERROR"

	// Action execution.
	ErrCodeExecution    = "EXECUTION_ERROR"
	ErrCodeNonRetryable = "NON_RETRYABLE"
	ErrCodeCircuitOpen  = "CIRCUIT_OPEN"

	// Collaborators.
	ErrCodeStore    = "STORE_ERROR"
	ErrCodeNotFound = "NOT_FOUND"
)

// ActuatorError is the structured error type for all actuator operations.
type ActuatorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Action  string         `json:"action,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ActuatorError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.Action, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ActuatorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ActuatorError.
func NewError(code, message string) *ActuatorError {
	return &ActuatorError{Code: code, Message: message}
}

// NewErrorf creates a new ActuatorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ActuatorError {
	return &ActuatorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the action name to the error.
func (e *ActuatorError) WithAction(name string) *ActuatorError {
	e.Action = name
	return e
}

// WithCause attaches an underlying cause.
func (e *ActuatorError) WithCause(err error) *ActuatorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details. Existing keys are overwritten.
func (e *ActuatorError) WithDetails(details map[string]any) *ActuatorError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// StatusCode returns the HTTP status carried by an HTTP_STATUS_ERROR, or 0.
func (e *ActuatorError) StatusCode() int {
	if e.Code != ErrCodeHTTPStatus || e.Details == nil {
		return 0
	}
	switch v := e.Details["status_code"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// IsTransient reports whether the error code describes a connection-level
// failure. HTTP status errors are classified by the retry policy instead.
func (e *ActuatorError) IsTransient() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout:
		return true
	}
	return false
}

// CodeOf returns the code of the first ActuatorError in err's chain, or "".
func CodeOf(err error) string {
	var aerr *ActuatorError
	if errors.As(err, &aerr) {
		return aerr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code at the top of its chain.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
