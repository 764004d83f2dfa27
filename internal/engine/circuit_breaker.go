package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/actuator/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting attempts
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed invocations before
	// opening the circuit. Zero or less disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe attempts allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a diagnostic snapshot of one action's breaker.
type BreakerStats struct {
	Action              string `json:"action"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// circuitBreaker tracks failure state for a single action.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages per-action circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Enabled reports whether the breaker rejects anything at all.
func (r *CircuitBreakerRegistry) Enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// AllowRequest checks whether an invocation of the given action may start.
// Returns nil if allowed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(action string) error {
	if !r.Enabled() {
		return nil
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for action %q after %d consecutive failures", action, cb.consecutiveFailures).
			WithAction(action).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for action %q: probe already in flight", action).
				WithAction(action)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess records a successful invocation of the action.
func (r *CircuitBreakerRegistry) RecordSuccess(action string) {
	if !r.Enabled() {
		return
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Release ends an invocation whose failure says nothing about the action's
// health. A half-open probe slot it held is freed; counters are unchanged.
func (r *CircuitBreakerRegistry) Release(action string) {
	if !r.Enabled() {
		return
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
}

// RecordFailure records a failed invocation of the action.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(action string) CircuitState {
	if !r.Enabled() {
		return CircuitClosed
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for an action.
func (r *CircuitBreakerRegistry) GetState(action string) CircuitState {
	if !r.Enabled() {
		return CircuitClosed
	}
	cb := r.getOrCreate(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about one action's breaker.
func (r *CircuitBreakerRegistry) GetStats(action string) BreakerStats {
	state := r.GetState(action)
	stats := BreakerStats{
		Action:           action,
		State:            state.String(),
		FailureThreshold: r.config.FailureThreshold,
		Cooldown:         r.config.Cooldown.String(),
	}
	if r.Enabled() {
		cb := r.getOrCreate(action)
		cb.mu.Lock()
		stats.ConsecutiveFailures = cb.consecutiveFailures
		cb.mu.Unlock()
	}
	return stats
}

// Snapshot returns stats for every action that has been seen, sorted by name.
func (r *CircuitBreakerRegistry) Snapshot() []BreakerStats {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerStats, 0, len(names))
	for _, name := range names {
		out = append(out, r.GetStats(name))
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(action string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[action]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[action] = cb
	}
	return cb
}
