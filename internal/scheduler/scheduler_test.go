package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/pkg/schema"
)

// mockRunner tracks Invoke calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []schema.InvocationRequest
	err   error
	block chan struct{} // when set, Invoke waits on it
}

func (r *mockRunner) Invoke(ctx context.Context, req schema.InvocationRequest, _ *engine.Policy) (*engine.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	block, err := r.block, r.err
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &engine.Result{InvocationID: req.ID, Action: req.Action, Attempts: 1}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var epoch = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(runner Invoker, opts ...Option) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: epoch}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewScheduler(runner, slog.Default(), opts...), clock
}

// waitRuns blocks until every fired run has finished.
func waitRuns(s *Scheduler) { s.runs.Wait() }

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	from := epoch

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptor.
	next, err = sched.CalculateNextRun("@every 30s", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddValidates(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})

	err := sched.Add(Job{Name: "a", Cron: "nope", Action: "fetch_status"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = sched.Add(Job{Name: "", Cron: "* * * * *", Action: "fetch_status"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	require.NoError(t, sched.Add(Job{Name: "a", Cron: "* * * * *", Action: "fetch_status"}))
	err = sched.Add(Job{Name: "a", Cron: "* * * * *", Action: "fetch_status"})
	assert.Equal(t, schema.ErrCodeDuplicateName, schema.CodeOf(err))
}

func TestNextRun(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	require.NoError(t, sched.Add(Job{Name: "hourly", Cron: "0 * * * *", Action: "x", Enabled: true}))

	next, err := sched.NextRun("hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestTickRunsDueJobs(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	ctx := context.Background()

	require.NoError(t, sched.Add(Job{
		Name:    "probe",
		Cron:    "*/5 * * * *",
		Action:  "fetch_status",
		Params:  map[string]any{"url": "http://example.com"},
		Timeout: "10s",
		Enabled: true,
	}))

	clock.Set(epoch.Add(5 * time.Minute))
	sched.tick(ctx)
	waitRuns(sched)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "fetch_status", call.Action)
	assert.Equal(t, "scheduler", call.Source)
	assert.Equal(t, "10s", call.Timeout)
	assert.NotEmpty(t, call.ID)

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusSuccess, jobs[0].LastRunStatus)
	assert.Equal(t, call.ID, jobs[0].LastInvocationID)
	assert.Equal(t, epoch.Add(10*time.Minute), *jobs[0].NextRunAt)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{Name: "hourly", Cron: "0 * * * *", Action: "x", Enabled: true}))

	clock.Set(epoch.Add(30 * time.Minute))
	sched.tick(context.Background())
	waitRuns(sched)

	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledJobsSkipped(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{Name: "off", Cron: "* * * * *", Action: "x", Enabled: false}))

	clock.Set(epoch.Add(time.Hour))
	sched.tick(context.Background())
	waitRuns(sched)

	assert.Equal(t, 0, runner.callCount())
}

func TestFailedRunRecordsError(t *testing.T) {
	runner := &mockRunner{err: errors.New("boom")}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{Name: "bad", Cron: "* * * * *", Action: "x", Enabled: true}))

	clock.Set(epoch.Add(time.Minute))
	sched.tick(context.Background())
	waitRuns(sched)

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusError, jobs[0].LastRunStatus)
	assert.NotNil(t, jobs[0].LastRunAt)
}

func TestOverlappingRunsSkipped(t *testing.T) {
	runner := &mockRunner{block: make(chan struct{})}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{Name: "slow", Cron: "* * * * *", Action: "x", Enabled: true}))

	ctx := context.Background()
	clock.Set(epoch.Add(time.Minute))
	sched.tick(ctx)

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, sched.Jobs()[0].Running)

	// Next fire while the first run is still blocked.
	clock.Set(epoch.Add(2 * time.Minute))
	sched.tick(ctx)

	close(runner.block)
	waitRuns(sched)

	assert.Equal(t, 1, runner.callCount())
	status := sched.Jobs()[0]
	assert.Equal(t, 1, status.Skipped)
	assert.False(t, status.Running)
}

func TestScheduleFiredEvent(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{EventTypes: []string{schema.EventScheduleFired}})
	require.NoError(t, err)
	defer cancel()

	sched, clock := newTestScheduler(&mockRunner{}, WithHub(hub))
	require.NoError(t, sched.Add(Job{Name: "tick", Cron: "* * * * *", Action: "log", Enabled: true}))

	clock.Set(epoch.Add(time.Minute))
	sched.tick(context.Background())
	waitRuns(sched)

	select {
	case ev := <-ch:
		assert.Equal(t, "log", ev.Action)
		assert.Equal(t, "tick", ev.Payload.(map[string]any)["job"])
	case <-time.After(time.Second):
		t.Fatal("no schedule.fired event")
	}
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	sched := NewScheduler(runner, slog.Default(), WithTick(10*time.Millisecond))
	require.NoError(t, sched.Add(Job{Name: "fast", Cron: "@every 1s", Action: "x", Enabled: true}))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx))

	require.Eventually(t, func() bool { return runner.callCount() >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	// Restartable after stop.
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}

func TestJobsSorted(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, sched.Add(Job{Name: name, Cron: "@hourly", Action: "x"}))
	}
	var names []string
	for _, j := range sched.Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}
