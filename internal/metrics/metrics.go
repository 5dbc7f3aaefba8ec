// Package metrics provides Prometheus instrumentation for the playback
// controller.
//
// Standard metrics exposed automatically by prometheus/client_golang:
//   - go_goroutines, go_gc_duration_seconds, etc. (Go runtime)
//   - process_cpu_seconds_total, process_open_fds, etc. (process)
//
// Perch-specific metrics registered here:
//
//	perch_active_streams            — gauge: admitted streams not yet released
//	perch_admission_rejections_total — counter: rejections by kind
//	perch_stale_streams_evicted_total — counter: lazy TTL evictions
//	perch_credentials_issued_total   — counter: streaming credentials minted
//	perch_http_requests_total        — counter: HTTP requests by method/path/status
//	perch_http_request_duration_seconds — histogram: HTTP latency
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveStreams is the number of admitted streams not yet released.
var ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "perch_active_streams",
	Help: "Number of admitted streams not yet released.",
})

// AdmissionRejections counts guard rejections by kind
// (device-limit, stream-limit, conflict).
var AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_admission_rejections_total",
	Help: "Stream admission rejections by kind.",
}, []string{"kind"})

// StaleStreamsEvicted counts active-stream entries evicted by the lazy
// TTL check during admission.
var StaleStreamsEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_stale_streams_evicted_total",
	Help: "Active-stream registry entries evicted as stale.",
})

// CredentialsIssued counts streaming credentials minted, by content type.
var CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_credentials_issued_total",
	Help: "Streaming credentials minted.",
}, []string{"content_type"})

// HTTPRequests counts HTTP requests by method, path, and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_http_requests_total",
	Help: "Total HTTP requests handled.",
}, []string{"method", "path", "status"})

// HTTPDuration tracks HTTP request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "perch_http_request_duration_seconds",
	Help:    "HTTP request latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path"})

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an HTTP handler to record request counts and latency.
// path should be a templated route pattern, not the raw URL — the chi
// route context supplies it after routing.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		dur := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)
		HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		HTTPDuration.WithLabelValues(r.Method, path).Observe(dur)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// sanitizePath keeps label cardinality bounded.
func sanitizePath(path string) string {
	if len(path) > 64 {
		return path[:64] + "..."
	}
	return path
}
