// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradeMutations counts committed ledger writes by operation
	// (add, edit, delete) and trade type.
	TradeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_engine_trade_mutations_total",
		Help: "Committed trade mutations",
	}, []string{"op", "trade_type"})

	// TradeRejections counts ledger writes refused before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_engine_trade_rejections_total",
		Help: "Trade mutations rejected before commit",
	}, []string{"op", "reason"})

	// CommitRetries counts store commits retried after a conflict or
	// transient failure.
	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "position_engine_commit_retries_total",
		Help: "Store commits retried after a transient failure",
	})

	// MutationLatency tracks end-to-end ledger mutation latency.
	MutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "position_engine_mutation_latency_seconds",
		Help:    "Trade mutation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PipelineUsers counts users processed by the metrics job, by outcome.
	PipelineUsers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_engine_pipeline_users_total",
		Help: "Users processed by the monthly metrics job",
	}, []string{"outcome"})

	// PipelineInFlight tracks users currently being processed.
	PipelineInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "position_engine_pipeline_in_flight",
		Help: "Users currently being processed by the metrics job",
	})

	// PipelineDuration tracks whole-run duration of the metrics job.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "position_engine_pipeline_duration_seconds",
		Help:    "Monthly metrics job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "position_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "position_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "position_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
