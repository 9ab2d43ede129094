package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the profiler's own instrumentation. A nil *Metrics is a
// valid no-op receiver so wiring stays optional in tests.
type Metrics struct {
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	samplesStored prometheus.Counter
	alertsCreated prometheus.Counter
	poolsActive   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgprofiler",
			Name:      "tasks_total",
			Help:      "Task executions by kind and outcome.",
		}, []string{"kind", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgprofiler",
			Name:      "task_duration_seconds",
			Help:      "Task execution time by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgprofiler",
			Name:      "samples_stored_total",
			Help:      "Metric samples written to storage.",
		}),
		alertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgprofiler",
			Name:      "alerts_created_total",
			Help:      "Alerts opened by the analyzer and the anomaly model.",
		}),
		poolsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgprofiler",
			Name:      "connection_pools_active",
			Help:      "Connection pools currently held open.",
		}),
	}
	reg.MustRegister(m.tasksTotal, m.taskDuration, m.samplesStored, m.alertsCreated, m.poolsActive)
	return m
}

func (m *Metrics) ObserveTask(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) SampleStored() {
	if m == nil {
		return
	}
	m.samplesStored.Inc()
}

func (m *Metrics) AlertCreated() {
	if m == nil {
		return
	}
	m.alertsCreated.Inc()
}

func (m *Metrics) SetActivePools(n int) {
	if m == nil {
		return
	}
	m.poolsActive.Set(float64(n))
}
