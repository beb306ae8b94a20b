package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "motiva_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	interventionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_interventions_created_total",
			Help: "Total interventions created by target type",
		},
		[]string{"target"},
	)

	interventionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_intervention_transitions_total",
			Help: "Total intervention state transitions by resulting state",
		},
		[]string{"state"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_messages_sent_total",
			Help: "Total intervention messages by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	adviceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_advice_requests_total",
			Help: "Advice builder invocations by outcome",
		},
		[]string{"outcome"},
	)

	scheduleQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "motiva_schedule_messages_in_flight",
			Help: "Current schedule-queue messages being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motiva_idempotency_hits_total",
			Help: "Prediction ingests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motiva_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"course_id"},
	)
)

// Handler returns the prometheus metrics endpoint handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request with its latency
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordInterventionCreated records a new intervention by target
func RecordInterventionCreated(target string) {
	interventionsCreated.WithLabelValues(target).Inc()
}

// RecordTransition records a state transition by resulting state
func RecordTransition(state string) {
	interventionTransitions.WithLabelValues(state).Inc()
}

// RecordMessageSent records a delivery attempt outcome
func RecordMessageSent(channel, outcome string) {
	messagesSent.WithLabelValues(channel, outcome).Inc()
}

// RecordAdviceRequest records an advice builder outcome
func RecordAdviceRequest(outcome string) {
	adviceRequests.WithLabelValues(outcome).Inc()
}

// SetScheduleMessagesInFlight sets the current in-flight queue message count
func SetScheduleMessagesInFlight(count int) {
	scheduleQueueDepth.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(courseID string) {
	rateLimitRejections.WithLabelValues(courseID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
