package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/actuator/internal/actions"
	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/internal/metrics"
	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/internal/validation"
	"github.com/rendis/actuator/pkg/schema"
)

// DefaultPoolSize is the default InvokeAll concurrency.
const DefaultPoolSize = 10

const tracerName = "github.com/rendis/actuator/internal/engine"

// Config holds the engine's collaborators. Only Registry is required.
type Config struct {
	Registry       actions.ActionRegistry
	Validator      *validation.ParamValidator // nil = strict
	DefaultPolicy  *Policy                    // nil = DefaultPolicy()
	ActionPolicies map[string]*Policy         // per-action overrides
	Breakers       *CircuitBreakerRegistry    // nil = disabled
	Hub            streaming.EventHub         // nil = no events
	Recorder       store.Recorder             // nil = no history
	Metrics        *metrics.Metrics           // nil = unexported collectors
	Tracer         trace.Tracer               // nil = global otel tracer
	Logger         *slog.Logger
	PoolSize       int
}

// Result is the outcome of a successful invocation.
type Result struct {
	InvocationID string                `json:"invocation_id"`
	Action       string                `json:"action"`
	Output       *actions.ActionOutput `json:"output"`
	Attempts     int                   `json:"attempts"`
	Duration     time.Duration         `json:"duration"`
}

// BatchResult is one slot of an InvokeAll call, in request order.
type BatchResult struct {
	Index  int                   `json:"index"`
	Result *Result               `json:"result,omitempty"`
	Error  *schema.ActuatorError `json:"error,omitempty"`
}

// Engine resolves actions by name, validates parameters and runs them under
// a retry policy. It is safe for concurrent use.
type Engine struct {
	registry  actions.ActionRegistry
	validator *validation.ParamValidator
	defaults  *Policy
	policies  map[string]*Policy
	breakers  *CircuitBreakerRegistry
	hub       streaming.EventHub
	recorder  store.Recorder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	pool      *WorkerPool
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action registry")
	}
	if cfg.Validator == nil {
		js, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, fmt.Errorf("create schema validator: %w", err)
		}
		cfg.Validator = validation.NewParamValidator(validation.Strict, js)
	}
	if cfg.DefaultPolicy == nil {
		cfg.DefaultPolicy = DefaultPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, ok := cfg.Logger.Handler().(*logging.CorrelationHandler); !ok {
		cfg.Logger = slog.New(logging.NewCorrelationHandler(cfg.Logger.Handler()))
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	e := &Engine{
		registry:  cfg.Registry,
		validator: cfg.Validator,
		defaults:  cfg.DefaultPolicy,
		policies:  maps.Clone(cfg.ActionPolicies),
		breakers:  cfg.Breakers,
		hub:       cfg.Hub,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
	}
	e.pool = NewWorkerPool(cfg.PoolSize, WithPanicHandler(func(action string, r any) {
		e.logger.Error("batch worker panicked", slog.String("action", action), slog.Any("panic", r))
	}))
	return e, nil
}

// Registry returns the registry the engine resolves against.
func (e *Engine) Registry() actions.ActionRegistry { return e.registry }

// Breakers returns the circuit breaker registry, or nil when disabled.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// PoolMetrics reports the InvokeAll worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Close stops accepting batch work and waits for running batches.
func (e *Engine) Close() {
	e.pool.Close()
}

// PolicyFor returns the policy used for action when the caller passes none.
func (e *Engine) PolicyFor(action string) *Policy {
	if p, ok := e.policies[action]; ok && p != nil {
		return p
	}
	return e.defaults
}

// Invoke runs one action. policy overrides the configured policy when non-nil.
//
// Errors: UNKNOWN_ACTION and INVALID_PARAMETERS before any attempt;
// ACTION_FAILED wrapping the last attempt error; CANCELLED when ctx ends or
// the request timeout expires.
func (e *Engine) Invoke(ctx context.Context, req schema.InvocationRequest, policy *Policy) (*Result, error) {
	start := time.Now()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx = logging.WithIDs(ctx, id, req.Action)

	ctx, span := e.tracer.Start(ctx, "actuator.invoke", trace.WithAttributes(
		attribute.String("actuator.action", req.Action),
		attribute.String("actuator.invocation_id", id),
	))
	defer span.End()

	action, ok := e.registry.Lookup(req.Action)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeUnknownAction, "action %q not registered", req.Action).WithAction(req.Action)
		return nil, e.reject(ctx, span, id, req, start, err)
	}

	var cancel context.CancelFunc = func() {}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			perr := schema.NewErrorf(schema.ErrCodeInvalidParameters, "invalid timeout %q", req.Timeout).WithAction(req.Action)
			return nil, e.reject(ctx, span, id, req, start, perr)
		}
		ctx, cancel = context.WithTimeout(ctx, d)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
		}
	}()

	params, err := e.bind(action, req.Params)
	if err != nil {
		return nil, e.reject(ctx, span, id, req, start, asActuatorError(err))
	}

	p := e.resolvePolicy(req.Action, policy)
	e.begin(ctx, id, req, params, start)

	// The breaker gates whole invocations; attempts inside one are governed
	// by the retry policy alone.
	if err := e.breakers.AllowRequest(req.Action); err != nil {
		final := asActuatorError(err)
		span.RecordError(final)
		span.SetStatus(codes.Error, final.Code)
		e.finish(ctx, id, req.Action, schema.InvocationStatusFailed, 0, nil, final, time.Since(start))
		return nil, final
	}

	out, attempts, err := WithRetry(ctx, p,
		func(ctx context.Context, attempt int) (*actions.ActionOutput, error) {
			return e.attempt(ctx, action, id, params, attempt, p)
		},
		func(r AttemptReport) { e.observe(ctx, id, req.Action, r) },
	)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("actuator.attempts", attempts))
	e.settleBreaker(ctx, id, req.Action, attempts, err)

	if err != nil {
		status, final := e.finalError(ctx, req.Action, attempts, err)
		span.RecordError(final)
		span.SetStatus(codes.Error, final.Code)
		e.finish(ctx, id, req.Action, status, attempts, nil, final, duration)
		return nil, final
	}

	if out == nil {
		out = &actions.ActionOutput{}
	}
	if out.Stream != nil {
		// The stream is read after Invoke returns; the invocation deadline
		// keeps bounding it until the consumer drains or closes it.
		handedOff = true
		out.Stream.OnClose(cancel)
	}
	e.finish(ctx, id, req.Action, schema.InvocationStatusSucceeded, attempts, out.Data, nil, duration)
	return &Result{
		InvocationID: id,
		Action:       req.Action,
		Output:       out,
		Attempts:     attempts,
		Duration:     duration,
	}, nil
}

// InvokeAll runs requests concurrently on the engine's worker pool and
// returns one BatchResult per request, in request order.
func (e *Engine) InvokeAll(ctx context.Context, reqs []schema.InvocationRequest, policy *Policy) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		results[i].Index = i
		wg.Add(1)
		err := e.pool.Go(ctx, req.Action, func(ctx context.Context) error {
			defer wg.Done()
			res, err := e.Invoke(ctx, req, policy)
			results[i].Result = res
			if err != nil {
				results[i].Error = asActuatorError(err)
			}
			return err
		})
		if err != nil {
			wg.Done()
			code := schema.ErrCodeCancelled
			if errors.Is(err, ErrPoolShutdown) {
				code = schema.ErrCodeExecution
			}
			results[i].Error = schema.NewError(code, "invocation not started: "+err.Error()).
				WithAction(req.Action).WithCause(err)
		}
	}

	wg.Wait()
	return results
}

func (e *Engine) bind(action actions.Action, raw map[string]any) (map[string]any, error) {
	params, err := e.validator.Bind(action.Name(), action.Schema().Params, raw)
	if err != nil {
		return nil, err
	}
	if err := action.Validate(params); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidParameters) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeInvalidParameters, err.Error()).
			WithAction(action.Name()).WithCause(err)
	}
	return params, nil
}

func (e *Engine) resolvePolicy(action string, explicit *Policy) *Policy {
	p := explicit
	if p == nil {
		p = e.PolicyFor(action)
	}
	resolved := *p
	if resolved.DelayHint == nil {
		resolved.DelayHint = transport.RetryAfter
	}
	return &resolved
}

// attempt runs one try of the action under the circuit breaker and the
// per-attempt timeout.
func (e *Engine) attempt(ctx context.Context, action actions.Action, id string, params map[string]any, n int, p *Policy) (*actions.ActionOutput, error) {
	name := action.Name()
	ctx = logging.WithAttempt(ctx, n)
	ctx, span := e.tracer.Start(ctx, "actuator.attempt", trace.WithAttributes(
		attribute.String("actuator.action", name),
		attribute.Int("actuator.attempt", n),
	))
	defer span.End()

	e.publish(ctx, schema.EventAttemptStarted, id, name, n, nil)

	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if p.AttemptTimeout > 0 {
		timer = time.AfterFunc(p.AttemptTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	out, err := e.execute(attemptCtx, action, actions.ActionInput{
		Params:       maps.Clone(params),
		InvocationID: id,
		Attempt:      n,
	})
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		cancel()
		if timedOut.Load() && ctx.Err() == nil {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "attempt %d exceeded %s", n, p.AttemptTimeout).
				WithAction(name).WithCause(context.DeadlineExceeded)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, schema.CodeOf(err))
		return nil, err
	}

	if out != nil && out.Stream != nil {
		out.Stream.OnClose(cancel)
	} else {
		cancel()
	}
	return out, nil
}

// execute calls the action, converting a panic into an EXECUTION_ERROR.
func (e *Engine) execute(ctx context.Context, action actions.Action, input actions.ActionInput) (out *actions.ActionOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "action panicked", slog.Any("panic", r))
			out = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "action panicked: %v", r).WithAction(action.Name())
		}
	}()
	return action.Execute(ctx, input)
}

// finalError maps the WithRetry error to the invocation's terminal status and error.
func (e *Engine) finalError(ctx context.Context, action string, attempts int, err error) (schema.InvocationStatus, *schema.ActuatorError) {
	if ctxErr := ctx.Err(); ctxErr != nil || isCancellation(err) {
		msg := "invocation cancelled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			msg = "invocation deadline exceeded"
		}
		return schema.InvocationStatusCancelled, schema.NewError(schema.ErrCodeCancelled, msg).
			WithAction(action).
			WithCause(err).
			WithDetails(map[string]any{"attempts": attempts})
	}

	details := map[string]any{
		"attempts":   attempts,
		"last_error": schema.CodeOf(err),
	}
	var aerr *schema.ActuatorError
	if errors.As(err, &aerr) && aerr.StatusCode() != 0 {
		details["status_code"] = aerr.StatusCode()
	}
	return schema.InvocationStatusFailed, schema.NewErrorf(schema.ErrCodeActionFailed,
		"action %q failed after %d attempt(s): %s", action, attempts, err.Error()).
		WithAction(action).
		WithCause(err).
		WithDetails(details)
}

// reject records an invocation refused before any attempt and returns err.
func (e *Engine) reject(ctx context.Context, span trace.Span, id string, req schema.InvocationRequest, start time.Time, err *schema.ActuatorError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Code)
	e.metrics.InvocationRejected(req.Action)
	e.logger.WarnContext(ctx, "invocation rejected",
		slog.String("code", err.Code),
		slog.String("error", err.Message))

	e.publish(ctx, schema.EventInvocationRejected, id, req.Action, 0, err)
	if e.recorder != nil {
		now := time.Now().UTC()
		inv := &store.Invocation{
			ID:          id,
			Action:      req.Action,
			Source:      req.Source,
			Params:      req.Params,
			Status:      schema.InvocationStatusRejected,
			Error:       marshalError(err),
			CreatedAt:   start.UTC(),
			CompletedAt: &now,
			DurationMs:  time.Since(start).Milliseconds(),
		}
		if rerr := e.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); rerr != nil {
			e.logger.WarnContext(ctx, "record invocation failed", slog.String("error", rerr.Error()))
		}
	}
	return err
}

func (e *Engine) begin(ctx context.Context, id string, req schema.InvocationRequest, params map[string]any, start time.Time) {
	e.metrics.InvocationStarted()
	e.logger.DebugContext(ctx, "invocation started", slog.String("source", req.Source))
	e.publish(ctx, schema.EventInvocationStarted, id, req.Action, 0, map[string]any{
		"params": params,
		"source": req.Source,
	})
	if e.recorder != nil {
		inv := &store.Invocation{
			ID:        id,
			Action:    req.Action,
			Source:    req.Source,
			Params:    params,
			Status:    schema.InvocationStatusRunning,
			CreatedAt: start.UTC(),
		}
		if err := e.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
			e.logger.WarnContext(ctx, "record invocation failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) finish(ctx context.Context, id, action string, status schema.InvocationStatus, attempts int, output json.RawMessage, final *schema.ActuatorError, d time.Duration) {
	e.metrics.InvocationFinished(action, outcomeLabel(status), d)

	attrs := []any{
		slog.String("status", string(status)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", d),
	}
	var payload any = map[string]any{"attempts": attempts, "duration_ms": d.Milliseconds()}
	if final != nil {
		attrs = append(attrs, slog.String("error", final.Error()))
		payload = final
		e.logger.WarnContext(ctx, "invocation finished", attrs...)
	} else {
		e.logger.InfoContext(ctx, "invocation finished", attrs...)
	}
	e.publish(ctx, schema.TerminalEvent(status), id, action, 0, payload)

	if e.recorder != nil {
		update := store.InvocationUpdate{
			Status:      status,
			Attempts:    attempts,
			Output:      output,
			CompletedAt: time.Now().UTC(),
			DurationMs:  d.Milliseconds(),
		}
		if final != nil {
			update.Error = marshalError(final)
		}
		if err := e.recorder.FinishInvocation(context.WithoutCancel(ctx), id, update); err != nil {
			e.logger.WarnContext(ctx, "finish invocation failed", slog.String("error", err.Error()))
		}
	}
}

// observe reports one finished attempt to metrics, events, history and logs.
func (e *Engine) observe(ctx context.Context, id, action string, r AttemptReport) {
	ctx = logging.WithAttempt(ctx, r.Attempt)

	outcome := schema.AttemptSucceeded
	switch {
	case r.Err == nil:
	case ctx.Err() != nil || isCancellation(r.Err):
		outcome = schema.AttemptCancelled
	case r.Retryable:
		outcome = schema.AttemptRetryable
	default:
		outcome = schema.AttemptFatal
	}
	e.metrics.Attempt(action, resultLabel(outcome))

	if r.Err != nil {
		var statusCode int
		var aerr *schema.ActuatorError
		if errors.As(r.Err, &aerr) {
			statusCode = aerr.StatusCode()
		}
		e.logger.WarnContext(ctx, "attempt failed",
			slog.String("outcome", string(outcome)),
			slog.String("error", r.Err.Error()),
			slog.Bool("retry", r.Retry),
			slog.Duration("delay", r.Delay))
		e.publish(ctx, schema.EventAttemptFailed, id, action, r.Attempt, map[string]any{
			"code":        schema.CodeOf(r.Err),
			"message":     r.Err.Error(),
			"status_code": statusCode,
			"outcome":     outcome,
		})
		if r.Retry {
			e.metrics.Backoff(r.Delay)
			e.publish(ctx, schema.EventRetryScheduled, id, action, r.Attempt, map[string]any{
				"delay_ms":     r.Delay.Milliseconds(),
				"next_attempt": r.Attempt + 1,
			})
		}
	}

	if e.recorder != nil {
		rec := &store.Attempt{
			InvocationID: id,
			Number:       r.Attempt,
			Outcome:      outcome,
			StartedAt:    r.Started.UTC(),
			DurationMs:   r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			rec.ErrorCode = schema.CodeOf(r.Err)
			rec.ErrorMessage = r.Err.Error()
			var aerr *schema.ActuatorError
			if errors.As(r.Err, &aerr) {
				rec.StatusCode = aerr.StatusCode()
			}
		}
		if r.Retry {
			rec.DelayMs = r.Delay.Milliseconds()
		}
		if err := e.recorder.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
			e.logger.WarnContext(ctx, "record attempt failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) publish(ctx context.Context, eventType, id, action string, attempt int, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		InvocationID: id,
		Action:       action,
		Attempt:      attempt,
		EventType:    eventType,
		Payload:      payload,
	})
}

// settleBreaker records the invocation's outcome on its action's breaker.
// err is the last attempt error, nil on success.
func (e *Engine) settleBreaker(ctx context.Context, id, action string, attempts int, err error) {
	switch {
	case err == nil:
		e.breakers.RecordSuccess(action)
	case ctx.Err() != nil || !countsAgainstBreaker(err):
		e.breakers.Release(action)
	case e.breakers.RecordFailure(action) == CircuitOpen:
		e.publish(ctx, schema.EventCircuitOpen, id, action, attempts, e.breakers.GetStats(action))
	}
}

// countsAgainstBreaker reports whether a failure says something about the
// action's health. Cancellations, rejected parameters and client-side HTTP
// statuses (4xx other than 408 and 429) do not.
func countsAgainstBreaker(err error) bool {
	switch schema.CodeOf(err) {
	case schema.ErrCodeCancelled, schema.ErrCodeCircuitOpen, schema.ErrCodeInvalidParameters:
		return false
	case schema.ErrCodeHTTPStatus:
		var aerr *schema.ActuatorError
		if errors.As(err, &aerr) {
			status := aerr.StatusCode()
			if status >= 400 && status < 500 && status != 408 && status != 429 {
				return false
			}
		}
	}
	return !errors.Is(err, context.Canceled)
}

func outcomeLabel(s schema.InvocationStatus) string {
	switch s {
	case schema.InvocationStatusSucceeded:
		return metrics.OutcomeSucceeded
	case schema.InvocationStatusCancelled:
		return metrics.OutcomeCancelled
	case schema.InvocationStatusRejected:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

func resultLabel(o schema.AttemptOutcome) string {
	switch o {
	case schema.AttemptSucceeded:
		return metrics.ResultSuccess
	case schema.AttemptRetryable:
		return metrics.ResultRetryable
	case schema.AttemptCancelled:
		return metrics.ResultCancelled
	default:
		return metrics.ResultFatal
	}
}

func asActuatorError(err error) *schema.ActuatorError {
	var aerr *schema.ActuatorError
	if errors.As(err, &aerr) {
		return aerr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func marshalError(err *schema.ActuatorError) json.RawMessage {
	b, merr := json.Marshal(err)
	if merr != nil {
		return nil
	}
	return b
}
