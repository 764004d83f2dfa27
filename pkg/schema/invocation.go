package schema

// InvocationRequest asks the engine to run one action with one parameter document.
type InvocationRequest struct {
	ID      string         `json:"id,omitempty"`      // generated when empty
	Action  string         `json:"action"`            // registered action name (e.g. "fetch_status")
	Params  map[string]any `json:"params,omitempty"`  // JSON-compatible parameter document
	Timeout string         `json:"timeout,omitempty"` // whole-invocation bound (e.g. "30s")
	Source  string         `json:"source,omitempty"`  // cli | api | mcp | scheduler
}

// RetryPolicy is the serializable retry configuration. Durations are Go
// duration strings ("10ms", "2s").
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay      string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	RetryOn        []int   `json:"retry_on,omitempty" yaml:"retry_on,omitempty"` // HTTP statuses treated as transient
	RetryIf        string  `json:"retry_if,omitempty" yaml:"retry_if,omitempty"` // CEL expression, overrides RetryOn
}

// Merge returns a copy of p with zero-valued fields taken from base.
// A nil p yields a copy of base.
func (p *RetryPolicy) Merge(base RetryPolicy) RetryPolicy {
	if p == nil {
		return base
	}
	out := *p
	if out.MaxAttempts == 0 {
		out.MaxAttempts = base.MaxAttempts
	}
	if out.BaseDelay == "" {
		out.BaseDelay = base.BaseDelay
	}
	if out.Multiplier == 0 {
		out.Multiplier = base.Multiplier
	}
	if out.MaxDelay == "" {
		out.MaxDelay = base.MaxDelay
	}
	if out.AttemptTimeout == "" {
		out.AttemptTimeout = base.AttemptTimeout
	}
	if out.RetryOn == nil {
		out.RetryOn = base.RetryOn
	}
	if out.RetryIf == "" {
		out.RetryIf = base.RetryIf
	}
	return out
}

// InvocationStatus is the terminal (or running) state of an invocation.
type InvocationStatus string

const (
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusSucceeded InvocationStatus = "succeeded"
	InvocationStatusFailed    InvocationStatus = "failed"
	InvocationStatusCancelled InvocationStatus = "cancelled"
	InvocationStatusRejected  InvocationStatus = "rejected" // unknown action or invalid params
)

// AttemptOutcome records how a single attempt ended.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptRetryable AttemptOutcome = "retryable"
	AttemptFatal     AttemptOutcome = "fatal"
	AttemptCancelled AttemptOutcome = "cancelled"
)
