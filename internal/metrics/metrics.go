// Package metrics exposes scheduler and executor counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execai"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	admitted    prometheus.Counter
	overdue     prometheus.Counter
	conflicts   prometheus.Counter
	inFlight    prometheus.Gauge
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	storeErrors prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Due jobs that were admitted and claimed for a run",
		}),
		overdue: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_overdue_total",
			Help:      "Due jobs deferred because the concurrency limit was reached",
		}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_conflicts_total",
			Help:      "Claims that lost a compare-and-set race",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Job runs currently executing",
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Finished job runs by execution state",
		}, []string{"state"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Wall time of job runs",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"state"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Job store operations that failed",
		}),
	}
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Admitted() {
	if m != nil {
		m.admitted.Inc()
		m.inFlight.Inc()
	}
}

func (m *Metrics) Overdue() {
	if m != nil {
		m.overdue.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) StoreError() {
	if m != nil {
		m.storeErrors.Inc()
	}
}

// RunFinished records a completed run and drops the in-flight gauge
func (m *Metrics) RunFinished(state string, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.runs.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(took.Seconds())
}
