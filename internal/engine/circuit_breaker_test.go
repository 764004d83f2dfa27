package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	})
	cbr.now = clock.Now
	return cbr, clock
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("fetch_status"))
	assert.Equal(t, CircuitClosed, cbr.GetState("fetch_status"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("http.get")
	cbr.RecordFailure("http.get")
	assert.Equal(t, CircuitClosed, cbr.GetState("http.get"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("http.get"))
	assert.Equal(t, CircuitOpen, cbr.GetState("http.get"))

	err := cbr.AllowRequest("http.get")
	require.Error(t, err)
	var aerr *schema.ActuatorError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, aerr.Code)
	assert.Equal(t, "http.get", aerr.Action)
	assert.Equal(t, 3, aerr.Details["consecutive_failures"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	cbr.RecordFailure("http.post")
	cbr.RecordFailure("http.post")
	cbr.RecordSuccess("http.post")
	assert.Equal(t, CircuitClosed, cbr.GetState("http.post"))

	cbr.RecordFailure("http.post")
	cbr.RecordFailure("http.post")
	assert.Equal(t, CircuitClosed, cbr.GetState("http.post"))
	cbr.RecordFailure("http.post")
	assert.Equal(t, CircuitOpen, cbr.GetState("http.post"))
}

func TestCircuitBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("probe")
	cbr.RecordFailure("probe")
	clock.Advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("probe"))

	require.NoError(t, cbr.AllowRequest("probe"))
	cbr.RecordSuccess("probe")
	assert.Equal(t, CircuitClosed, cbr.GetState("probe"))
}

func TestCircuitBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("probe")
	cbr.RecordFailure("probe")
	clock.Advance(time.Minute)

	// Cooldown elapsed: the first attempt is the probe.
	require.NoError(t, cbr.AllowRequest("probe"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("probe"))
	assert.Error(t, cbr.AllowRequest("probe"))
}

func TestCircuitBreaker_HalfOpenMaxRequests(t *testing.T) {
	cbr, clock := newTestBreakers(2, time.Minute)

	cbr.RecordFailure("probe")
	cbr.RecordFailure("probe")
	clock.Advance(2 * time.Minute)

	require.NoError(t, cbr.AllowRequest("probe"))
	err := cbr.AllowRequest("probe")
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestCircuitBreaker_PerActionIsolation(t *testing.T) {
	cbr, _ := newTestBreakers(2, 10*time.Second)

	cbr.RecordFailure("action_a")
	cbr.RecordFailure("action_a")
	assert.Equal(t, CircuitOpen, cbr.GetState("action_a"))

	assert.Equal(t, CircuitClosed, cbr.GetState("action_b"))
	assert.NoError(t, cbr.AllowRequest("action_b"))
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{})
	for i := 0; i < 100; i++ {
		cbr.RecordFailure("x")
	}
	assert.NoError(t, cbr.AllowRequest("x"))
	assert.Nil(t, cbr.Snapshot())

	var nilRegistry *CircuitBreakerRegistry
	assert.NoError(t, nilRegistry.AllowRequest("x"))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	cbr.RecordFailure("stats_action")
	cbr.RecordFailure("stats_action")
	cbr.RecordSuccess("another")

	stats := cbr.GetStats("stats_action")
	assert.Equal(t, "stats_action", stats.Action)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 2, stats.ConsecutiveFailures)

	snap := cbr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "another", snap[0].Action)
	assert.Equal(t, "stats_action", snap[1].Action)
}

func TestCircuitBreaker_ReleaseFreesProbe(t *testing.T) {
	cbr, clock := newTestBreakers(1, time.Second)
	cbr.RecordFailure("fetch_status")
	clock.Advance(time.Second)

	require.NoError(t, cbr.AllowRequest("fetch_status"))
	assert.Error(t, cbr.AllowRequest("fetch_status"))

	cbr.Release("fetch_status")
	assert.NoError(t, cbr.AllowRequest("fetch_status"))
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("fetch_status"))
	assert.Equal(t, 1, cbr.GetStats("fetch_status").ConsecutiveFailures)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
