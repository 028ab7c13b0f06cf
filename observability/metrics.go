// Package observability provides Prometheus metrics for the engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Worker metrics
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	WorkerEnabled    prometheus.Gauge
	RunningPositions prometheus.Gauge

	// Engine metrics
	Evaluations         *prometheus.CounterVec
	Executions          *prometheus.CounterVec
	GuardrailBlocks     *prometheus.CounterVec
	FeedErrors          *prometheus.CounterVec
	InvariantViolations prometheus.Counter

	// Dividend metrics
	Dividends *prometheus.CounterVec

	// Backtest metrics
	Simulations        *prometheus.CounterVec
	SimulationDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "volbal"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cycles_total",
			Help:      "Total number of worker cycles run",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one worker cycle",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		WorkerEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "enabled",
			Help:      "1 while the worker is enabled",
		}),
		RunningPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running_positions",
			Help:      "Positions in RUNNING status at the last cycle",
		}),

		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "evaluations_total",
			Help:      "Evaluations by resulting action",
		}, []string{"action"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Executed trades by side",
		}, []string{"side"}),
		GuardrailBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "guardrail_blocks_total",
			Help:      "Orders blocked by guardrails, by reason",
		}, []string{"reason"}),
		FeedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "feed_errors_total",
			Help:      "Quote fetch failures by symbol",
		}, []string{"symbol"}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "invariant_violations_total",
			Help:      "Executions refused because cash or qty would go negative",
		}),

		Dividends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dividend",
			Name:      "processed_total",
			Help:      "Dividend steps processed, by stage",
		}, []string{"stage"}),

		Simulations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "simulations_total",
			Help:      "Backtest simulations run, by status",
		}, []string{"status"}),
		SimulationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "simulation_duration_seconds",
			Help:      "Wall time of one simulation including data fetch",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCycle(d time.Duration, running int) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.RunningPositions.Set(float64(running))
}

func (m *Metrics) SetWorkerEnabled(on bool) {
	if m == nil {
		return
	}
	if on {
		m.WorkerEnabled.Set(1)
		return
	}
	m.WorkerEnabled.Set(0)
}

func (m *Metrics) ObserveEvaluation(action string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveExecution(side string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(side).Inc()
}

func (m *Metrics) ObserveGuardrailBlock(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.GuardrailBlocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveFeedError(symbol string) {
	if m == nil {
		return
	}
	m.FeedErrors.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ObserveInvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

func (m *Metrics) ObserveDividend(stage string) {
	if m == nil {
		return
	}
	m.Dividends.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveSimulation(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Simulations.WithLabelValues(status).Inc()
	m.SimulationDuration.Observe(d.Seconds())
}
