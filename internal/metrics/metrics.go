package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts completed agent executions
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"backend", "status"},
	)

	// ExecutionDuration tracks how long executions run
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"backend"},
	)

	// ActiveExecutions tracks executions currently in flight
	ActiveExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_active_executions",
			Help: "Number of in-flight agent executions",
		},
		[]string{"backend"},
	)

	// ExecutionRetries counts automatic execution retries
	ExecutionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_execution_retries_total",
			Help: "Total number of automatic execution retries",
		},
		[]string{"backend", "reason"},
	)

	// DecoderOverflows counts stream lines discarded for exceeding the buffer cap
	DecoderOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_decoder_overflows_total",
			Help: "Total number of stream lines discarded for exceeding the buffer cap",
		},
		[]string{"dialect"},
	)

	// PTYSessions tracks live interactive sessions
	PTYSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_pty_sessions",
			Help: "Number of live PTY sessions",
		},
	)

	// PTYEvictions counts idle sessions evicted to make room
	PTYEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_pty_evictions_total",
			Help: "Total number of idle PTY sessions evicted",
		},
	)

	// SpawnThrottled counts spawn attempts rejected by the rate limiter
	SpawnThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_spawn_throttled_total",
			Help: "Total number of spawn attempts rejected by the rate limiter",
		},
		[]string{"owner"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecutionStart increments the in-flight gauge
func RecordExecutionStart(backend string) {
	ActiveExecutions.WithLabelValues(backend).Inc()
}

// RecordExecutionEnd decrements the in-flight gauge and records outcome
func RecordExecutionEnd(backend, status string, durationSeconds float64) {
	ActiveExecutions.WithLabelValues(backend).Dec()
	ExecutionsTotal.WithLabelValues(backend, status).Inc()
	ExecutionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordRetry records an automatic execution retry
func RecordRetry(backend, reason string) {
	ExecutionRetries.WithLabelValues(backend, reason).Inc()
}

// RecordDecoderOverflow records a line discarded by the stream decoder
func RecordDecoderOverflow(dialect string) {
	DecoderOverflows.WithLabelValues(dialect).Inc()
}

// RecordPTYStart increments the live session gauge
func RecordPTYStart() {
	PTYSessions.Inc()
}

// RecordPTYStop decrements the live session gauge
func RecordPTYStop() {
	PTYSessions.Dec()
}

// RecordPTYEviction records an idle session eviction
func RecordPTYEviction() {
	PTYEvictions.Inc()
}

// RecordSpawnThrottled records a spawn rejected by the rate limiter
func RecordSpawnThrottled(owner string) {
	SpawnThrottled.WithLabelValues(owner).Inc()
}
