package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caresim_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	sessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caresim_sessions_started_total",
			Help: "Total number of sessions begun",
		},
	)

	sessionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_sessions_completed_total",
			Help: "Total number of sessions completed",
		},
		[]string{"archived"},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_turns_total",
			Help: "Total number of transcript turns appended",
		},
		[]string{"role", "mode"},
	)

	streamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caresim_assistant_stream_duration_seconds",
			Help:    "Duration of one streamed assistant turn",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_tool_calls_total",
			Help: "Total number of dispatched tool calls",
		},
		[]string{"tool", "status"},
	)

	// Evaluation metrics
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_evaluations_total",
			Help: "Total number of evaluation runs",
		},
		[]string{"status"},
	)

	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caresim_evaluation_duration_seconds",
			Help:    "Duration of the rubric evaluation call",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	// Voice metrics
	voiceSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caresim_voice_sessions_total",
			Help: "Total number of voice sub-sessions",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caresim_active_sessions",
			Help: "Number of live sessions",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			sessionsStartedTotal,
			sessionsCompletedTotal,
			turnsTotal,
			streamDuration,
			toolCallsTotal,
			evaluationsTotal,
			evaluationDuration,
			voiceSessionsTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSessionStarted counts a session begin.
func RecordSessionStarted() {
	sessionsStartedTotal.Inc()
}

// RecordSessionCompleted counts a completion; archived reports whether
// the transcript persisted.
func RecordSessionCompleted(archived bool) {
	label := "true"
	if !archived {
		label = "false"
	}
	sessionsCompletedTotal.WithLabelValues(label).Inc()
}

// RecordTurn counts a transcript append.
func RecordTurn(role, mode string) {
	turnsTotal.WithLabelValues(role, mode).Inc()
}

// RecordStreamDuration records one assistant turn's stream time.
func RecordStreamDuration(duration time.Duration) {
	streamDuration.Observe(duration.Seconds())
}

// RecordToolCall counts a tool dispatch.
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordEvaluation counts an evaluation run outcome.
func RecordEvaluation(status string, duration time.Duration) {
	evaluationsTotal.WithLabelValues(status).Inc()
	evaluationDuration.Observe(duration.Seconds())
}

// RecordVoiceSession counts a voice sub-session outcome.
func RecordVoiceSession(outcome string) {
	voiceSessionsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the live-session gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
