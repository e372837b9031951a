// Package metrics registers the Prometheus collectors shared by the service.
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
			Name: "examprep_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examprep_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	aiCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_ai_calls_total",
			Help: "Generative backend calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	aiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examprep_ai_call_duration_seconds",
			Help:    "Generative backend round-trip latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"operation"},
	)

	documentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examprep_documents_ingested_total",
			Help: "Uploaded documents by file type and extraction method.",
		},
		[]string{"file_type", "method"},
	)
)

// AI call outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeParseError = "parse_error"
)

// ObserveAICall records one generative backend call.
func ObserveAICall(operation, outcome string, elapsed time.Duration) {
	aiCallsTotal.WithLabelValues(operation, outcome).Inc()
	aiCallDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// IncDocumentIngested counts a stored upload.
func IncDocumentIngested(fileType, method string) {
	documentsIngested.WithLabelValues(fileType, method).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithHTTPMetrics records request count and latency. Routes are labelled by
// the ServeMux pattern so path parameters do not blow up cardinality.
func WithHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
