package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values for actuator_invocations_total.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Result label values for actuator_attempts_total.
const (
	ResultSuccess   = "success"
	ResultRetryable = "retryable"
	ResultFatal     = "fatal"
	ResultCancelled = "cancelled"
)

// Metrics holds the engine's Prometheus collectors. Build one per registry;
// tests use prometheus.NewRegistry() to stay isolated.
type Metrics struct {
	invocations *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	backoff     prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is handy for callers that do not export metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actuator_invocations_total",
				Help: "Total number of invocations by terminal outcome.",
			},
			[]string{"action", "outcome"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actuator_attempts_total",
				Help: "Total number of action attempts by result.",
			},
			[]string{"action", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "actuator_invocation_duration_seconds",
				Help:    "Wall-clock duration of invocations including retries, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "actuator_invocations_in_flight",
				Help: "Number of invocations currently running.",
			},
		),
		backoff: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "actuator_retry_backoff_seconds",
				Help:    "Backoff delays scheduled between attempts, in seconds.",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.attempts, m.duration, m.inFlight, m.backoff)
	}
	return m
}

// Preload initializes label combinations for the given actions so they are
// exported with value 0 before the first invocation.
func (m *Metrics) Preload(actions []string) {
	for _, a := range actions {
		for _, o := range []string{OutcomeSucceeded, OutcomeFailed, OutcomeCancelled, OutcomeRejected} {
			m.invocations.WithLabelValues(a, o)
		}
	}
}

// InvocationStarted marks an invocation as in flight.
func (m *Metrics) InvocationStarted() {
	m.inFlight.Inc()
}

// InvocationFinished records the terminal outcome and total duration.
func (m *Metrics) InvocationFinished(action, outcome string, d time.Duration) {
	m.inFlight.Dec()
	m.invocations.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action).Observe(d.Seconds())
}

// InvocationRejected counts an invocation refused before any attempt.
func (m *Metrics) InvocationRejected(action string) {
	m.invocations.WithLabelValues(action, OutcomeRejected).Inc()
}

// Attempt counts one finished attempt.
func (m *Metrics) Attempt(action, result string) {
	m.attempts.WithLabelValues(action, result).Inc()
}

// Backoff records a scheduled retry delay.
func (m *Metrics) Backoff(d time.Duration) {
	m.backoff.Observe(d.Seconds())
}
