package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rendis/actuator/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response. Non-actuator errors become
// EXECUTION_ERROR with a 500.
func writeError(w http.ResponseWriter, err error) {
	var aerr *schema.ActuatorError
	if !errors.As(err, &aerr) {
		aerr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	writeJSON(w, statusFor(aerr.Code), map[string]any{"error": aerr})
}

// badRequest writes a VALIDATION_ERROR for a malformed request.
func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, schema.NewError(schema.ErrCodeValidation, msg))
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeUnknownAction, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidParameters, schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeActionFailed, schema.ErrCodeHTTPStatus, schema.ErrCodeConnection:
		return http.StatusBadGateway
	case schema.ErrCodeCancelled, schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool reports whether a query flag is set to a true value.
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
