package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/pkg/schema"
)

// DefaultTick is how often the loop checks for due jobs.
const DefaultTick = time.Second

// Last-run status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Invoker is the part of the engine the scheduler drives. Satisfied by
// *engine.Engine.
type Invoker interface {
	Invoke(ctx context.Context, req schema.InvocationRequest, policy *engine.Policy) (*engine.Result, error)
}

// Job is one cron-triggered invocation.
type Job struct {
	Name    string
	Cron    string // 5-field expression or descriptor (@hourly, @every 30s)
	Action  string
	Params  map[string]any
	Timeout string         // per-invocation bound, optional
	Policy  *engine.Policy // nil = engine's policy for the action
	Enabled bool
}

// JobStatus is a snapshot of a job for listing.
type JobStatus struct {
	Name             string     `json:"name"`
	Cron             string     `json:"cron"`
	Action           string     `json:"action"`
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus    string     `json:"last_run_status,omitempty"`
	LastInvocationID string     `json:"last_invocation_id,omitempty"`
	Skipped          int        `json:"skipped,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	status   JobStatus
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTick sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithHub publishes a schedule.fired event for every run.
func WithHub(hub streaming.EventHub) Option {
	return func(s *Scheduler) { s.hub = hub }
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler fires configured jobs when their cron schedule comes due.
type Scheduler struct {
	runner    Invoker
	hub       streaming.EventHub
	parser    cron.Parser
	logger    *slog.Logger
	tickEvery time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*entry

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
	runs       sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Invoker, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		tickEvery: DefaultTick,
		now:       time.Now,
		jobs:      make(map[string]*entry),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Names are unique; the cron expression must parse.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Action == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires name and action")
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: parse cron expression %q: %v", job.Name, job.Cron, err).
			WithCause(err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "schedule %q already exists", job.Name)
	}

	next := schedule.Next(s.now().UTC())
	s.jobs[job.Name] = &entry{
		job:      job,
		schedule: schedule,
		status: JobStatus{
			Name:      job.Name,
			Cron:      job.Cron,
			Action:    job.Action,
			Enabled:   job.Enabled,
			NextRunAt: &next,
		},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled job whose next run is due. Runs happen in their
// own goroutines; a job still running from an earlier fire is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.jobsMu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !e.job.Enabled || e.status.NextRunAt == nil || e.status.NextRunAt.After(now) {
			continue
		}
		next := e.schedule.Next(now)
		e.status.NextRunAt = &next
		due = append(due, e)
	}
	s.jobsMu.Unlock()

	for _, e := range due {
		name := e.job.Name
		if !s.tryAcquire(name) {
			s.logger.Warn("skipping overlapping scheduled run", slog.String("job", name))
			s.jobsMu.Lock()
			e.status.Skipped++
			s.jobsMu.Unlock()
			continue
		}
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			defer s.releaseJob(name)
			s.runJob(ctx, e, now)
		}()
	}
}

// runJob invokes the job's action and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) {
	id := uuid.NewString()
	s.logger.Info("running scheduled job",
		slog.String("job", e.job.Name),
		slog.String("action", e.job.Action),
		slog.String("invocation_id", id),
	)
	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			InvocationID: id,
			Action:       e.job.Action,
			EventType:    schema.EventScheduleFired,
			Payload:      map[string]any{"job": e.job.Name, "cron": e.job.Cron},
		})
	}

	res, err := s.runner.Invoke(ctx, schema.InvocationRequest{
		ID:      id,
		Action:  e.job.Action,
		Params:  e.job.Params,
		Timeout: e.job.Timeout,
		Source:  "scheduler",
	}, e.job.Policy)

	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled job execution failed",
			slog.String("job", e.job.Name),
			slog.String("error", err.Error()),
		)
	}
	if res != nil && res.Output != nil && res.Output.Stream != nil {
		// Nobody consumes scheduled streams.
		_ = res.Output.Stream.Close()
	}

	s.jobsMu.Lock()
	e.status.LastRunAt = &now
	e.status.LastRunStatus = status
	e.status.LastInvocationID = id
	s.jobsMu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

func (s *Scheduler) running(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[name]
	return ok
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// NextRun reports when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	return *e.status.NextRunAt, nil
}

// Jobs returns a status snapshot of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	s.jobsMu.Unlock()

	for i := range out {
		out[i].Running = s.running(out[i].Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down the loop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
