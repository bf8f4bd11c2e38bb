// Package metrics defines the Prometheus collectors exported by runbox.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runbox"

// Metrics holds all runbox collectors
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PhaseDuration     *prometheus.HistogramVec
	PhaseErrors       *prometheus.CounterVec
	ActiveSandboxes   prometheus.Gauge
	QueueDepth        prometheus.Gauge
	Rejections        *prometheus.CounterVec
	Reaped            prometheus.Counter
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of executions by language and termination reason",
			},
			[]string{"language", "reason"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Execution duration in milliseconds, excluding admission and teardown",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			[]string{"language"},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_ms",
				Help:      "Duration of each sandbox phase in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"language", "phase"}, // phase: provision, build, run, teardown
		),

		PhaseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_errors_total",
				Help:      "Sandbox phases that returned an error, including timeouts and cancellations",
			},
			[]string{"language", "phase"},
		),

		ActiveSandboxes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sandboxes",
				Help:      "Number of submissions currently holding an admission slot",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of submissions waiting for an admission slot",
			},
		),

		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Submissions turned away before a sandbox was created",
			},
			[]string{"reason"}, // reason: not_found, capacity, queue_timeout
		),

		Reaped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaped_sandboxes_total",
				Help:      "Leftover sandboxes removed by the reaper",
			},
		),
	}
}

// ObservePhase records one sandbox phase
func (m *Metrics) ObservePhase(language, phase string, d time.Duration, err error) {
	m.PhaseDuration.WithLabelValues(language, phase).Observe(float64(d.Milliseconds()))
	if err != nil {
		m.PhaseErrors.WithLabelValues(language, phase).Inc()
	}
}

// ObserveExecution records a finished execution
func (m *Metrics) ObserveExecution(language, reason string, durationMs int64) {
	m.Executions.WithLabelValues(language, reason).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(float64(durationMs))
}
