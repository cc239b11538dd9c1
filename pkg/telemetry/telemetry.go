// Package telemetry is low-overhead request timing: every request feeds
// a latency histogram, and requests slower than the threshold get a log
// line. Resolution fan-out makes some reads legitimately slow, so the
// threshold is generous by default.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gradedb/pkg/logger"
)

var (
	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gradedb_http_request_seconds",
		Help:    "HTTP request latency by method and status.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"method", "status"})

	slowThreshold = 2 * time.Second
)

// SetSlowThreshold sets the duration above which requests get a log line.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slowThreshold = d
	}
}

// Middleware wraps the provided handler and records request timing.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		requestSeconds.WithLabelValues(r.Method, strconv.Itoa(srw.status)).Observe(dur.Seconds())
		if dur > slowThreshold {
			logger.Warn("request_slow", "method", r.Method, "path", r.URL.Path, "status", srw.status, "duration_ms", dur.Milliseconds())
		}
	})
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamed responses keep
// flushing through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
