package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/actuator/pkg/schema"
)

// Invocation is the persisted record of one engine invocation.
type Invocation struct {
	ID          string                  `json:"id"`
	Action      string                  `json:"action"`
	Source      string                  `json:"source,omitempty"`
	Params      map[string]any          `json:"params,omitempty"`
	Status      schema.InvocationStatus `json:"status"`
	Attempts    int                     `json:"attempts"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	DurationMs  int64                   `json:"duration_ms,omitempty"`
}

// InvocationUpdate carries the terminal state written by FinishInvocation.
type InvocationUpdate struct {
	Status      schema.InvocationStatus
	Attempts    int
	Output      json.RawMessage
	Error       json.RawMessage
	CompletedAt time.Time
	DurationMs  int64
}

// InvocationFilter narrows ListInvocations. Zero fields match everything.
type InvocationFilter struct {
	Action string
	Status *schema.InvocationStatus
	Source string
	Since  *time.Time
	Limit  int
	Offset int
}

// Attempt is one try of an invocation.
type Attempt struct {
	InvocationID string                `json:"invocation_id"`
	Number       int                   `json:"number"`
	Outcome      schema.AttemptOutcome `json:"outcome"`
	ErrorCode    string                `json:"error_code,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	StatusCode   int                   `json:"status_code,omitempty"`
	DelayMs      int64                 `json:"delay_ms,omitempty"` // backoff scheduled after this attempt
	StartedAt    time.Time             `json:"started_at"`
	DurationMs   int64                 `json:"duration_ms"`
}

// Event is an immutable entry in the event journal.
type Event struct {
	ID           int64           `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Action       string          `json:"action,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}
