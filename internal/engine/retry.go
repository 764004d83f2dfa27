package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// ComputeBackoff calculates the delay after the given failed attempt
// (1-based): BaseDelay * Multiplier^(attempt-1), capped by MaxDelay. With
// Jitter the delay is drawn uniformly from [0, delay].
func ComputeBackoff(p *Policy, attempt int) time.Duration {
	if p == nil || p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	// float64(MaxInt64) rounds up to 2^63, which does not convert back.
	d := time.Duration(math.MaxInt64)
	if delay < float64(math.MaxInt64) {
		d = time.Duration(delay)
	}
	if p.Jitter && d > 0 {
		n := int64(d)
		if n < math.MaxInt64 {
			n++
		}
		d = time.Duration(rand.Int64N(n))
	}
	return d
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
// Returns the context error if the wait was interrupted.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptReport describes how one attempt ended.
type AttemptReport struct {
	Attempt   int
	Err       error
	Started   time.Time
	Duration  time.Duration
	Retryable bool          // the classifier accepted Err
	Retry     bool          // another attempt follows
	Delay     time.Duration // wait before the next attempt
}

// WithRetry runs op until it succeeds, fails with a non-retryable error, or
// the policy's attempt bound is reached. Attempts are strictly sequential.
// observe, when non-nil, is called after every attempt before any backoff.
//
// It returns the value, the number of attempts made, and either nil, the last
// attempt's error, or ctx.Err() when the context ended first.
func WithRetry[T any](
	ctx context.Context,
	p *Policy,
	op func(ctx context.Context, attempt int) (T, error),
	observe func(AttemptReport),
) (T, int, error) {
	var zero T
	if p == nil {
		p = DefaultPolicy()
	}
	maxAttempts := p.attempts()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		started := time.Now()
		v, err := op(ctx, attempt)
		report := AttemptReport{Attempt: attempt, Err: err, Started: started, Duration: time.Since(started)}

		if err == nil {
			notify(observe, report)
			return v, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			notify(observe, report)
			return zero, attempt, ctxErr
		}

		report.Retryable = p.retryable(ctx, err, attempt)
		report.Retry = report.Retryable && attempt < maxAttempts
		if report.Retry {
			report.Delay = ComputeBackoff(p, attempt)
			if p.DelayHint != nil {
				if hint, ok := p.DelayHint(err); ok && hint > report.Delay {
					report.Delay = hint
					if p.MaxDelay > 0 && report.Delay > p.MaxDelay {
						report.Delay = p.MaxDelay
					}
				}
			}
		}
		notify(observe, report)

		if !report.Retry {
			return zero, attempt, err
		}
		if err := WaitForBackoff(ctx, report.Delay); err != nil {
			return zero, attempt, err
		}
	}
}

func notify(observe func(AttemptReport), r AttemptReport) {
	if observe != nil {
		observe(r)
	}
}
