// Package observability holds the engine's prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine emits. Construct one per
// process and register it on a single registry; components receive it
// explicitly instead of writing to package-global state.
type Metrics struct {
	Ticks        *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Pushes       *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	Effects      *prometheus.CounterVec
	Timeouts     prometheus.Counter
}

// New creates and registers the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_ticks_total",
				Help: "Ticks executed, by outcome (advanced, deferred, terminal, waiting).",
			},
			[]string{"outcome"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_tick_duration_seconds",
				Help:    "Wall time of a single tick.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_state_pushes_total",
				Help: "States pushed, by kind.",
			},
			[]string{"kind"},
		),
		Duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_tool_duplicates_total",
				Help: "Duplicate tool calls seen within the lookback window, by action (observed, blocked).",
			},
			[]string{"action"},
		),
		Effects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_effects_total",
				Help: "Effects executed, by kind and result (enqueued, cached, duplicate, already_handled).",
			},
			[]string{"kind", "result"},
		),
		Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "weft_wait_timeouts_total",
				Help: "Waiting states resolved by deadline synthesis.",
			},
		),
	}
	reg.MustRegister(m.Ticks, m.TickDuration, m.Pushes, m.Duplicates, m.Effects, m.Timeouts)
	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
