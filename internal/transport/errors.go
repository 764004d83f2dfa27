package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/actuator/pkg/schema"
)

const maxErrorBody = 512

// classify maps a low-level request error to a transport error code.
// parent is the caller's context: its cancellation is reported as CANCELLED,
// while a deadline set by the client itself is a TIMEOUT.
func classify(parent context.Context, err error, req Request) error {
	var aerr *schema.ActuatorError
	if errors.As(err, &aerr) {
		return err
	}

	if errors.Is(parent.Err(), context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s %s: cancelled", req.method(), req.URL).WithCause(err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s %s: deadline exceeded", req.method(), req.URL).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s %s: %v", req.method(), req.URL, err).WithCause(err)
	}

	// DNS, dial, TLS handshake, reset and premature EOF all surface here.
	return schema.NewErrorf(schema.ErrCodeConnection, "%s %s: %v", req.method(), req.URL, err).WithCause(err)
}

// statusError builds the application-level error for a non-success status.
func statusError(req Request, code int, status string, header http.Header, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	details := map[string]any{
		"status_code": code,
		"status":      status,
		"url":         req.URL,
	}
	if len(body) > 0 {
		details["body"] = string(body)
	}
	if d, ok := parseRetryAfter(header.Get("Retry-After")); ok {
		details["retry_after"] = d.String()
	}
	return schema.NewErrorf(schema.ErrCodeHTTPStatus, "%s %s: server returned %d", req.method(), req.URL, code).
		WithDetails(details)
}

// bodyTooLarge reports a response body past the configured limit. The body is
// never returned truncated.
func bodyTooLarge(req Request, limit int64) *schema.ActuatorError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s %s: response body exceeds %d bytes", req.method(), req.URL, limit).
		WithDetails(map[string]any{"limit": limit, "url": req.URL})
}

// parseRetryAfter accepts the delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// RetryAfter returns the server-provided Retry-After hint carried by an
// HTTP status error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var aerr *schema.ActuatorError
	if !errors.As(err, &aerr) || aerr.Code != schema.ErrCodeHTTPStatus {
		return 0, false
	}
	s, ok := aerr.Details["retry_after"].(string)
	if !ok {
		return 0, false
	}
	d, perr := time.ParseDuration(s)
	if perr != nil {
		return 0, false
	}
	return d, true
}
