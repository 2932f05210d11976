package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for plan execution.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	opsDispatched   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	hostFailures    *prometheus.CounterVec

	factProbes prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When disabled, every recording
// method is a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "opsmith"
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Number of execution runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Number of execution runs completed, by final phase.",
		}, []string{"phase"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of execution runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		opsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_dispatched_total",
			Help:      "Per-host operation dispatches, by outcome.",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of remote commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		hostFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_failures_total",
			Help:      "Per-host operation failures.",
		}, []string{"host"}),
		factProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_probes_total",
			Help:      "Number of fact probes executed against hosts.",
		}),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.opsDispatched, m.commandDuration, m.hostFailures, m.factProbes,
	)
	return m
}

// RunStarted records the start of an execution run.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted records the end of an execution run with its final phase.
func (m *Metrics) RunCompleted(phase string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(phase).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// OpDispatched records one per-host operation outcome.
func (m *Metrics) OpDispatched(outcome string) {
	if m.registry == nil {
		return
	}
	m.opsDispatched.WithLabelValues(outcome).Inc()
}

// CommandFinished records a remote command's duration.
func (m *Metrics) CommandFinished(host string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.commandDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// HostFailed records one per-host failure.
func (m *Metrics) HostFailed(host string) {
	if m.registry == nil {
		return
	}
	m.hostFailures.WithLabelValues(host).Inc()
}

// FactProbed records one fact probe.
func (m *Metrics) FactProbed() {
	if m.registry == nil {
		return
	}
	m.factProbes.Inc()
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
