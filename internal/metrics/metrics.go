// Package metrics implements the concrete execution.Metrics sink
// (SPEC_FULL.md §4.11), grounded on chidi150c-coinbase/metrics.go's
// Prometheus counter/gauge/histogram set — adapted from that file's
// package-level init()+MustRegister globals to an explicit registry
// threaded through New, consistent with spec.md §9's "no module-level
// mutable state" design note.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the Prometheus-backed implementation of execution.Metrics,
// plus the additional counters/gauges SPEC_FULL.md's C11 wires for
// pending-order flow, pyramid progression and circuit-break state.
type Collector struct {
	registry *prometheus.Registry

	ordersFilled   *prometheus.CounterVec
	slippageBps    *prometheus.HistogramVec
	pendingQueued  *prometheus.CounterVec
	pendingResolved *prometheus.CounterVec
	pyramidWaves   *prometheus.CounterVec
	circuitTripped prometheus.Gauge
}

// New builds a Collector registered against a fresh, private registry —
// never the global prometheus.DefaultRegisterer, so tests can construct
// more than one Collector without a "duplicate metrics collector
// registration" panic.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		ordersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paperdesk_orders_filled_total",
			Help: "Orders filled (including partials), by symbol.",
		}, []string{"symbol"}),
		slippageBps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paperdesk_fill_slippage_bps",
			Help:    "Absolute slippage in basis points at fill time, by symbol.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"symbol"}),
		pendingQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paperdesk_pending_queued_total",
			Help: "Pending orders queued, by source.",
		}, []string{"source"}),
		pendingResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paperdesk_pending_resolved_total",
			Help: "Pending orders resolved, by outcome (approved|rejected).",
		}, []string{"outcome"}),
		pyramidWaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paperdesk_pyramid_waves_filled_total",
			Help: "Pyramid DCA waves filled, by symbol.",
		}, []string{"symbol"}),
		circuitTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paperdesk_circuit_breaker_tripped",
			Help: "1 if the coordinator's circuit breaker has tripped, else 0.",
		}),
	}
	reg.MustRegister(c.ordersFilled, c.slippageBps, c.pendingQueued, c.pendingResolved, c.pyramidWaves, c.circuitTripped)
	return c
}

// IncOrdersFilled implements execution.Metrics.
func (c *Collector) IncOrdersFilled(symbol string) {
	c.ordersFilled.WithLabelValues(symbol).Inc()
}

// ObserveSlippageBps implements execution.Metrics.
func (c *Collector) ObserveSlippageBps(symbol string, bps float64) {
	c.slippageBps.WithLabelValues(symbol).Observe(bps)
}

// IncPendingQueued records a PendingQueued event by source.
func (c *Collector) IncPendingQueued(source string) {
	c.pendingQueued.WithLabelValues(source).Inc()
}

// IncPendingResolved records a PendingResolved event by outcome.
func (c *Collector) IncPendingResolved(approved bool) {
	outcome := "approved"
	if !approved {
		outcome = "rejected"
	}
	c.pendingResolved.WithLabelValues(outcome).Inc()
}

// IncPyramidWaveFilled records a pyramid wave fill by symbol.
func (c *Collector) IncPyramidWaveFilled(symbol string) {
	c.pyramidWaves.WithLabelValues(symbol).Inc()
}

// SetCircuitTripped reflects the coordinator's breaker state.
func (c *Collector) SetCircuitTripped(tripped bool) {
	if tripped {
		c.circuitTripped.Set(1)
		return
	}
	c.circuitTripped.Set(0)
}

// Handler returns the /metrics HTTP handler for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
