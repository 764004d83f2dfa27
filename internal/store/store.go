package store

import (
	"context"
	"time"
)

// Recorder is the write side used by the engine. Failures are logged by the
// caller and never fail an invocation.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv *Invocation) error
	FinishInvocation(ctx context.Context, id string, update InvocationUpdate) error
	RecordAttempt(ctx context.Context, a *Attempt) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	Recorder

	// Invocations
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error)
	ListAttempts(ctx context.Context, invocationID string) ([]*Attempt, error)

	// Event journal (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, invocationID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Prune(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
