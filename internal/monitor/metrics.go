package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the portal engine.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	ScreenFindings    *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	PoolMemoryUsedMB  prometheus.Gauge
	PoolActiveSlots   prometheus.Gauge
	PoolQueueDepth    prometheus.Gauge
	ResultTruncations prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	PayloadSizeBytes  prometheus.Histogram
	ResultSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "submissions_total",
				Help:      "Total submissions by payload kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "executions_total",
				Help:      "Total executions by payload kind and terminal status.",
			},
			[]string{"kind", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "portal",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "execution_errors_total",
				Help:      "Total execution failures by taxonomy category.",
			},
			[]string{"category"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portal",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		ScreenFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "screen_findings_total",
				Help:      "Security screen findings by severity and category.",
			},
			[]string{"severity", "category"},
		),

		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "rate_limit_denials_total",
				Help:      "Admission denials by check.",
			},
			[]string{"check"},
		),

		PoolMemoryUsedMB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portal",
				Name:      "pool_memory_used_mb",
				Help:      "Memory currently reserved by granted slots.",
			},
		),

		PoolActiveSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portal",
				Name:      "pool_active_slots",
				Help:      "Number of granted resource slots.",
			},
		),

		PoolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portal",
				Name:      "pool_queue_depth",
				Help:      "Number of acquirers waiting for a slot.",
			},
		),

		ResultTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "portal",
				Name:      "result_truncations_total",
				Help:      "Results reduced by the size validator.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portal",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		PayloadSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "portal",
				Name:      "payload_size_bytes",
				Help:      "Size of submitted payloads in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		ResultSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "portal",
				Name:      "result_size_bytes",
				Help:      "Size of stored results in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SubmissionsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.ScreenFindings,
		m.RateLimitDenials,
		m.PoolMemoryUsedMB,
		m.PoolActiveSlots,
		m.PoolQueueDepth,
		m.ResultTruncations,
		m.RequestsInFlight,
		m.PayloadSizeBytes,
		m.ResultSizeBytes,
	)

	return m
}

// RecordSubmission records a submission attempt.
func (m *Metrics) RecordSubmission(kind, outcome string) {
	m.SubmissionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(kind, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(durationSec)
}

// RecordError records an execution failure by taxonomy category.
func (m *Metrics) RecordError(category string) {
	m.ExecutionErrors.WithLabelValues(category).Inc()
}

// RecordFinding records a security screen finding.
func (m *Metrics) RecordFinding(severity, category string) {
	m.ScreenFindings.WithLabelValues(severity, category).Inc()
}

// RecordDenial records a rate-limit denial for the named check.
func (m *Metrics) RecordDenial(check string) {
	m.RateLimitDenials.WithLabelValues(check).Inc()
}

// UpdatePoolStats publishes resource pool occupancy.
func (m *Metrics) UpdatePoolStats(usedMB, active, queued int64) {
	m.PoolMemoryUsedMB.Set(float64(usedMB))
	m.PoolActiveSlots.Set(float64(active))
	m.PoolQueueDepth.Set(float64(queued))
}
