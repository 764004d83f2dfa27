package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/pkg/schema"
)

// Defaults applied when neither the invocation nor the action configures a
// retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 30 * time.Second
)

// DefaultRetryOn lists the HTTP statuses retried by default.
var DefaultRetryOn = []int{408, 429, 502, 503, 504}

// Classifier decides whether a failed attempt should be retried. attempt is
// the 1-based number of the attempt that failed. ctx carries the invocation's
// correlation IDs.
type Classifier func(ctx context.Context, err error, attempt int) bool

// Policy is a resolved retry policy. It is immutable for one invocation.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration // 0 means uncapped
	Jitter         bool
	AttemptTimeout time.Duration // 0 means no per-attempt bound
	Classify       Classifier    // nil means StatusClassifier(DefaultRetryOn)

	// DelayHint extracts a server-provided minimum delay (Retry-After) from
	// an attempt error. Optional.
	DelayHint func(err error) (time.Duration, bool)
}

// DefaultPolicy returns the engine-wide fallback policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		Classify:    StatusClassifier(DefaultRetryOn),
	}
}

func (p *Policy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p *Policy) retryable(ctx context.Context, err error, attempt int) bool {
	if isCancellation(err) {
		return false
	}
	if p.Classify == nil {
		return StatusClassifier(DefaultRetryOn)(ctx, err, attempt)
	}
	return p.Classify(ctx, err, attempt)
}

// StatusClassifier retries connection failures, timeouts, and HTTP status
// errors whose code is in retryOn. Everything else fails fast.
func StatusClassifier(retryOn []int) Classifier {
	statuses := slices.Clone(retryOn)
	return func(_ context.Context, err error, _ int) bool {
		if err == nil || isCancellation(err) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}

		var aerr *schema.ActuatorError
		if errors.As(err, &aerr) {
			switch {
			case aerr.IsTransient():
				return true
			case aerr.Code == schema.ErrCodeHTTPStatus:
				return slices.Contains(statuses, aerr.StatusCode())
			}
			return false
		}

		var netErr net.Error
		return errors.As(err, &netErr)
	}
}

// CELClassifier evaluates a retry_if expression for each failure. The
// expression sees err (code, status, message), attempt and action. An
// evaluation error counts as "do not retry".
func CELClassifier(engine *expressions.CELEngine, expression string) Classifier {
	return func(ctx context.Context, err error, attempt int) bool {
		if err == nil || isCancellation(err) {
			return false
		}
		ok, evalErr := engine.EvaluateBool(ctx, expression, map[string]any{
			"err":     ErrorVars(err),
			"attempt": attempt,
			"action":  logging.Action(ctx),
		})
		if evalErr != nil {
			slog.WarnContext(ctx, "retry_if evaluation failed",
				slog.String("expression", expression),
				slog.String("error", evalErr.Error()))
			return false
		}
		return ok
	}
}

// ErrorVars flattens err into the map exposed to retry_if expressions.
// code, status and message are always present.
func ErrorVars(err error) map[string]any {
	vars := map[string]any{
		"code":    "ERROR",
		"status":  int64(0),
		"message": "",
	}
	if err == nil {
		return vars
	}
	vars["message"] = err.Error()

	var aerr *schema.ActuatorError
	if errors.As(err, &aerr) {
		vars["code"] = aerr.Code
		vars["status"] = int64(aerr.StatusCode())
		vars["message"] = aerr.Message
	} else if errors.Is(err, context.DeadlineExceeded) {
		vars["code"] = schema.ErrCodeTimeout
	}
	return vars
}

// PolicyFromSchema resolves a wire-form policy. Zero fields fall back to the
// defaults. cel may be nil when the policy has no retry_if.
func PolicyFromSchema(p schema.RetryPolicy, cel *expressions.CELEngine) (*Policy, error) {
	out := DefaultPolicy()
	if p.MaxAttempts != 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.Multiplier != 0 {
		out.Multiplier = p.Multiplier
	}
	out.Jitter = p.Jitter

	var err error
	if out.BaseDelay, err = parsePolicyDuration("base_delay", p.BaseDelay, out.BaseDelay); err != nil {
		return nil, err
	}
	if out.MaxDelay, err = parsePolicyDuration("max_delay", p.MaxDelay, out.MaxDelay); err != nil {
		return nil, err
	}
	if out.AttemptTimeout, err = parsePolicyDuration("attempt_timeout", p.AttemptTimeout, 0); err != nil {
		return nil, err
	}

	switch {
	case p.RetryIf != "":
		if cel == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "retry_if requires a CEL engine")
		}
		if err := cel.Compile(p.RetryIf); err != nil {
			return nil, err
		}
		out.Classify = CELClassifier(cel, p.RetryIf)
	case p.RetryOn != nil:
		out.Classify = StatusClassifier(p.RetryOn)
	}
	return out, nil
}

func parsePolicyDuration(field, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "retry policy %s: invalid duration %q", field, s)
	}
	return d, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || schema.IsCode(err, schema.ErrCodeCancelled)
}
