// Package metrics holds the Prometheus collectors for workflow transitions and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aft_transitions_total",
			Help: "Committed request status transitions.",
		},
		[]string{"operation", "from", "to"},
	)

	TransitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aft_transition_failures_total",
			Help: "Rejected or failed transition attempts by error kind.",
		},
		[]string{"operation", "kind"},
	)

	// LedgerAnomalies counts ledgers found in an unexpected shape.
	LedgerAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aft_ledger_anomalies_total",
			Help: "Ledgers decoded or advanced from an unexpected shape.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aft_http_requests_total",
			Help: "HTTP requests served.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aft_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request counts and latency labelled by the chi route pattern,
// which keeps request ids out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
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
