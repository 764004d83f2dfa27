package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubStats is the read side of the in-memory event hub.
type HubStats interface {
	Subscribers() int
	Published() uint64
	Dropped() uint64
}

// PoolStats reports worker pool occupancy.
type PoolStats func() (size, active, waiting int64)

// RegisterRuntime exports hub and pool state as collectors that read the
// live values on every scrape. Either source may be nil.
func RegisterRuntime(reg prometheus.Registerer, hub HubStats, pool PoolStats) {
	if reg == nil {
		return
	}
	if hub != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "actuator_stream_subscribers",
				Help: "Live event stream subscriptions.",
			}, func() float64 { return float64(hub.Subscribers()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "actuator_stream_events_published_total",
				Help: "Events published to the event hub.",
			}, func() float64 { return float64(hub.Published()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "actuator_stream_events_dropped_total",
				Help: "Event deliveries skipped because a subscriber was full.",
			}, func() float64 { return float64(hub.Dropped()) }),
		)
	}
	if pool != nil {
		gauge := func(name, help string, pick func(size, active, waiting int64) int64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
				return float64(pick(pool()))
			})
		}
		reg.MustRegister(
			gauge("actuator_pool_size", "Worker pool capacity.",
				func(s, _, _ int64) int64 { return s }),
			gauge("actuator_pool_active", "Tasks running in the worker pool.",
				func(_, a, _ int64) int64 { return a }),
			gauge("actuator_pool_waiting", "Callers blocked waiting for a worker slot.",
				func(_, _, w int64) int64 { return w }),
		)
	}
}
