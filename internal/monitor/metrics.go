// Package monitor exposes engine metrics through Prometheus.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds Prometheus metrics for the engine. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	JobRuns             *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	Transitions         *prometheus.CounterVec
	StreamEvents        *prometheus.CounterVec
	StreamReconnects    *prometheus.CounterVec
	ProtectionRollbacks *prometheus.CounterVec
	CriticalFailures    prometheus.Counter
	PoolSize            prometheus.Gauge
	ActiveStreams       prometheus.Gauge
	gatherer            prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_job_runs_total",
			Help: "Polling job runs by job and result.",
		}, []string{"job", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotkeeper_job_duration_seconds",
			Help:    "Polling job duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_order_transitions_total",
			Help: "Order status transitions by target status and source component.",
		}, []string{"status", "source"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_stream_events_total",
			Help: "Push events received by exchange and order status.",
		}, []string{"exchange", "status"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_stream_reconnects_total",
			Help: "Push stream reconnect attempts by exchange.",
		}, []string{"exchange"}),
		ProtectionRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_protection_rollbacks_total",
			Help: "Protective order rollbacks by result.",
		}, []string{"result"}),
		CriticalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotkeeper_critical_failures_total",
			Help: "Failures that left a position without its protective order.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotkeeper_adapter_pool_size",
			Help: "Exchange adapters currently cached.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotkeeper_active_streams",
			Help: "Push stream connections currently supervised.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.JobRuns,
		m.JobDuration,
		m.Transitions,
		m.StreamEvents,
		m.StreamReconnects,
		m.ProtectionRollbacks,
		m.CriticalFailures,
		m.PoolSize,
		m.ActiveStreams,
	)
	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveJob records one job run.
func (m *Metrics) ObserveJob(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// IncTransition counts an order moving to status.
func (m *Metrics) IncTransition(status, source string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status, source).Inc()
}

// IncStreamEvent counts a normalized push event.
func (m *Metrics) IncStreamEvent(exchange, status string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(exchange, status).Inc()
}

// IncStreamReconnect counts a reconnect attempt.
func (m *Metrics) IncStreamReconnect(exchange string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(exchange).Inc()
}

// IncRollback counts a protection rollback; restored=false is critical.
func (m *Metrics) IncRollback(restored bool) {
	if m == nil {
		return
	}
	if restored {
		m.ProtectionRollbacks.WithLabelValues("restored").Inc()
		return
	}
	m.ProtectionRollbacks.WithLabelValues("lost").Inc()
	m.CriticalFailures.Inc()
}

// SetPoolSize reports the adapter pool size.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(n))
}

// SetActiveStreams reports the supervised connection count.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(n))
}
