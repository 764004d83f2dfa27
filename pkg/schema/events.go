package schema

// Event types published while an invocation runs.
const (
	EventInvocationStarted   = "invocation.started"
	EventInvocationSucceeded = "invocation.succeeded"
	EventInvocationFailed    = "invocation.failed"
	EventInvocationCancelled = "invocation.cancelled"
	EventInvocationRejected  = "invocation.rejected"

	EventAttemptStarted = "attempt.started"
	EventAttemptFailed  = "attempt.failed"
	EventRetryScheduled = "retry.scheduled"

	EventCircuitOpen   = "circuit.open"
	EventScheduleFired = "schedule.fired"
)

// TerminalEvent maps a final status to the event announcing it.
func TerminalEvent(status InvocationStatus) string {
	switch status {
	case InvocationStatusSucceeded:
		return EventInvocationSucceeded
	case InvocationStatusCancelled:
		return EventInvocationCancelled
	case InvocationStatusRejected:
		return EventInvocationRejected
	default:
		return EventInvocationFailed
	}
}
