package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	adapterDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds the Prometheus instruments of the signing service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowBuildsTotal    *prometheus.CounterVec
	StepTransitionsTotal   *prometheus.CounterVec
	InstancesFinishedTotal *prometheus.CounterVec
	StepsExpiredTotal      prometheus.Counter
	NotificationsTotal     *prometheus.CounterVec
	TokenRedemptionsTotal  *prometheus.CounterVec

	// Signing agent metrics
	SigningAttemptsTotal *prometheus.CounterVec
	AdapterDuration      *prometheus.HistogramVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_workflow_builds_total",
			Help: "Total number of workflow build requests by result.",
		}, []string{"result"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_step_transitions_total",
			Help: "Total number of step transitions by outcome.",
		}, []string{"outcome"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_instances_finished_total",
			Help: "Total number of workflow instances reaching a final state.",
		}, []string{"final_state"}),
		StepsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signet_steps_expired_total",
			Help: "Total number of steps expired by the sweep.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_notifications_total",
			Help: "Total number of notifications dispatched.",
		}, []string{"type", "result"}),
		TokenRedemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_token_redemptions_total",
			Help: "Total number of token redemptions by result.",
		}, []string{"result"}),

		SigningAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signet_signing_attempts_total",
			Help: "Total number of completed signing attempts by status.",
		}, []string{"status"}),
		AdapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signet_adapter_duration_seconds",
			Help:    "Crypto adapter call duration in seconds.",
			Buckets: adapterDurationBuckets,
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowBuildsTotal,
		m.StepTransitionsTotal,
		m.InstancesFinishedTotal,
		m.StepsExpiredTotal,
		m.NotificationsTotal,
		m.TokenRedemptionsTotal,
		m.SigningAttemptsTotal,
		m.AdapterDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBuild records a workflow build by result (ok, invalid, error).
func (m *Metrics) RecordBuild(result string) {
	if m == nil {
		return
	}
	m.WorkflowBuildsTotal.WithLabelValues(result).Inc()
}

// RecordStepTransition records a step moving to outcome.
func (m *Metrics) RecordStepTransition(outcome string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordInstanceFinished records an instance reaching COMPLETED or CANCELLED.
func (m *Metrics) RecordInstanceFinished(finalState string) {
	if m == nil {
		return
	}
	m.InstancesFinishedTotal.WithLabelValues(finalState).Inc()
}

// RecordSweep records steps expired by one sweep run.
func (m *Metrics) RecordSweep(expired int) {
	if m == nil || expired <= 0 {
		return
	}
	m.StepsExpiredTotal.Add(float64(expired))
}

// RecordNotification records a dispatched notification.
func (m *Metrics) RecordNotification(notificationType, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notificationType, result).Inc()
}

// RecordRedemption records a token redemption by result code.
func (m *Metrics) RecordRedemption(result string) {
	if m == nil {
		return
	}
	m.TokenRedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordAttempt records a signing attempt reaching a terminal status.
func (m *Metrics) RecordAttempt(status string) {
	if m == nil {
		return
	}
	m.SigningAttemptsTotal.WithLabelValues(status).Inc()
}

// ObserveAdapter records the duration of a crypto adapter call.
func (m *Metrics) ObserveAdapter(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AdapterDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern, so token path segments never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for a registry.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Unmatched requests are labelled "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
