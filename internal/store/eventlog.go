package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/pkg/schema"
)

// EventLog persists hub events into the journal and rebuilds invocation
// state from it.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps a Store to provide journal operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Append converts a hub event and appends it to the journal.
func (el *EventLog) Append(ctx context.Context, ev streaming.StreamEvent) error {
	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = b
	}
	return el.store.AppendEvent(ctx, &Event{
		InvocationID: ev.InvocationID,
		Action:       ev.Action,
		Attempt:      ev.Attempt,
		Type:         ev.EventType,
		Payload:      payload,
		Timestamp:    ev.Timestamp,
	})
}

// Follow subscribes to hub and journals every event until ctx is done.
// Append failures are logged and skipped.
func (el *EventLog) Follow(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := el.Append(context.WithoutCancel(ctx), ev); err != nil {
				el.logger.Warn("journal append failed",
					slog.String("invocation_id", ev.InvocationID),
					slog.String("event_type", ev.EventType),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Replay rebuilds an invocation's status and attempt count from its journal.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, invocationID string) (*Invocation, error) {
	events, err := el.store.GetEvents(ctx, invocationID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("invocation journal", invocationID)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in invocation %s: expected %d, got %d", invocationID, expected, e.Sequence)
		}
	}

	inv := &Invocation{ID: invocationID, Status: schema.InvocationStatusRunning}
	for _, e := range events {
		if inv.Action == "" {
			inv.Action = e.Action
		}
		switch e.Type {
		case schema.EventInvocationStarted:
			inv.CreatedAt = e.Timestamp
		case schema.EventAttemptStarted:
			inv.Attempts = max(inv.Attempts, e.Attempt)
		case schema.EventInvocationSucceeded:
			inv.Status = schema.InvocationStatusSucceeded
		case schema.EventInvocationFailed:
			inv.Status = schema.InvocationStatusFailed
			inv.Error = e.Payload
		case schema.EventInvocationCancelled:
			inv.Status = schema.InvocationStatusCancelled
			inv.Error = e.Payload
		case schema.EventInvocationRejected:
			inv.Status = schema.InvocationStatusRejected
			inv.Error = e.Payload
		}
		switch e.Type {
		case schema.EventInvocationSucceeded, schema.EventInvocationFailed,
			schema.EventInvocationCancelled, schema.EventInvocationRejected:
			ts := e.Timestamp
			inv.CompletedAt = &ts
			if !inv.CreatedAt.IsZero() {
				inv.DurationMs = ts.Sub(inv.CreatedAt).Milliseconds()
			}
		}
	}
	return inv, nil
}
