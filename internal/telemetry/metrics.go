// Package telemetry exposes prometheus metrics for the scheduler and
// its HTTP surface.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the scheduler's prometheus collectors on a private
// registry so multiple engines in one process (tests, the daemon's
// concurrent runs) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	opsDispatched  *prometheus.CounterVec
	opOutcomes     *prometheus.CounterVec
	lockDenials    *prometheus.CounterVec
	slipSeconds    prometheus.Histogram
	activePrograms prometheus.Gauge
}

// New creates and registers all scheduler collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riffle",
			Name:      "operations_dispatched_total",
			Help:      "Hardware operations dispatched, by action kind.",
		}, []string{"action"}),
		opOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riffle",
			Name:      "operation_outcomes_total",
			Help:      "Resolved operation outcomes.",
		}, []string{"outcome"}),
		lockDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riffle",
			Name:      "lock_denials_total",
			Help:      "Lease requests denied because the resource was busy.",
		}, []string{"resource"}),
		slipSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "riffle",
			Name:      "operation_slip_seconds",
			Help:      "Start slip of dispatched operations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		activePrograms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riffle",
			Name:      "active_programs",
			Help:      "Admitted programs not yet in a terminal state.",
		}),
	}

	m.registry.MustRegister(
		m.opsDispatched,
		m.opOutcomes,
		m.lockDenials,
		m.slipSeconds,
		m.activePrograms,
		collectors.NewGoCollector(),
	)
	return m
}

// OpDispatched counts a dispatched hardware call.
func (m *Metrics) OpDispatched(action string) {
	m.opsDispatched.WithLabelValues(action).Inc()
}

// OpOutcome counts a resolved operation outcome.
func (m *Metrics) OpOutcome(outcome string) {
	m.opOutcomes.WithLabelValues(outcome).Inc()
}

// LockDenied counts a busy-resource denial.
func (m *Metrics) LockDenied(resource string) {
	m.lockDenials.WithLabelValues(resource).Inc()
}

// ObserveSlip records a dispatched operation's start slip.
func (m *Metrics) ObserveSlip(seconds float64) {
	m.slipSeconds.Observe(seconds)
}

// SetActivePrograms updates the active-program gauge.
func (m *Metrics) SetActivePrograms(n int) {
	m.activePrograms.Set(float64(n))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
