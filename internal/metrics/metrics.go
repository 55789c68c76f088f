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
			Name: "prepmail_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prepmail_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prepmail_events_rejected_total",
			Help: "Domain events rejected by the orchestrator, by reason code",
		},
		[]string{"reason"},
	)

	emailsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prepmail_emails_enqueued_total",
			Help: "Emails accepted and enqueued, by type and priority",
		},
		[]string{"email_type", "priority"},
	)

	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prepmail_emails_sent_total",
			Help: "Emails handed to the delivery provider, by type",
		},
		[]string{"email_type"},
	)

	emailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prepmail_emails_failed_total",
			Help: "Send attempts that failed, by type and stage",
		},
		[]string{"email_type", "stage"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prepmail_webhook_events_total",
			Help: "Provider webhook events received, by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	queueMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prepmail_queue_messages_in_flight",
			Help: "Queue messages currently being processed",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prepmail_http_rate_limit_rejections_total",
			Help: "HTTP requests rejected by the API rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventRejected records an orchestrator business rejection
func RecordEventRejected(reason string) {
	eventsRejected.WithLabelValues(reason).Inc()
}

// RecordEmailEnqueued records a successful enqueue
func RecordEmailEnqueued(emailType, priority string) {
	emailsEnqueued.WithLabelValues(emailType, priority).Inc()
}

// RecordEmailSent records a successful provider handoff
func RecordEmailSent(emailType string) {
	emailsSent.WithLabelValues(emailType).Inc()
}

// RecordEmailFailed records a failed send attempt.
// stage is one of: parse, log, render, provider.
func RecordEmailFailed(emailType, stage string) {
	emailsFailed.WithLabelValues(emailType, stage).Inc()
}

// RecordWebhookEvent records a processed provider callback.
// outcome is one of: applied, noop, unmatched, ignored.
func RecordWebhookEvent(eventType, outcome string) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// AddQueueMessagesInFlight adjusts the in-flight gauge
func AddQueueMessagesInFlight(delta int) {
	queueMessagesInFlight.Add(float64(delta))
}

// RecordRateLimitRejection records an HTTP-level rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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
