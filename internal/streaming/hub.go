package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is a real-time event emitted while an invocation runs.
type StreamEvent struct {
	InvocationID string    `json:"invocation_id"`
	Action       string    `json:"action,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	EventType    string    `json:"event_type"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	InvocationID string   `json:"invocation_id,omitempty"`
	Action       string   `json:"action,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes every non-zero field of the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.InvocationID != "" && f.InvocationID != e.InvocationID:
		return false
	case f.Action != "" && f.Action != e.Action:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

// EventHub provides pub/sub for real-time invocation events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
