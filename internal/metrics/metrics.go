// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoundsTotal counts rounds stepped, partitioned by the learning rule
	// applied ("" for rounds that converged before clearing).
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watermarket_rounds_total",
		Help: "Total number of market rounds stepped",
	}, []string{"rule"})

	// RoundLatency tracks the wall time of one round.
	RoundLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watermarket_round_latency_seconds",
		Help:    "Market round latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FillsTotal counts matched buyer/seller pairs.
	FillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watermarket_fills_total",
		Help: "Total number of matched buyer/seller pairs",
	})

	// TradedVolume tracks cumulative traded water volume.
	TradedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watermarket_traded_volume_total",
		Help: "Cumulative traded water volume",
	})

	// ClearingPrice is the distribution of pair clearing prices.
	ClearingPrice = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watermarket_clearing_price",
		Help:    "Pair clearing prices",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// ActiveRuns tracks runs that have not converged.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watermarket_active_runs",
		Help: "Number of runs still iterating",
	})

	// ConvergedRuns counts converged runs by reason.
	ConvergedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watermarket_converged_runs_total",
		Help: "Runs that converged, by reason",
	}, []string{"reason"})

	// Injections counts liveness injections by forced role.
	Injections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watermarket_liveness_injections_total",
		Help: "Participants forced onto the missing side of a one-sided market",
	}, []string{"role"})

	// InjectionFailures counts one-sided rounds where nobody could be
	// forced onto the missing side.
	InjectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watermarket_liveness_injection_failures_total",
		Help: "One-sided rounds without an eligible participant for the missing side",
	}, []string{"role"})

	// SamplerStalls counts sampler runs that hit their proposal cap.
	SamplerStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watermarket_sampler_stalls_total",
		Help: "Sampler runs that hit the proposal cap",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watermarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watermarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watermarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
