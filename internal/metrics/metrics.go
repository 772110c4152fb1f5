// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerperp/engine/internal/model"
)

var (
	// VaultOperations counts committed vault operations by name.
	VaultOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerperp_vault_operations_total",
		Help: "Total number of committed vault operations",
	}, []string{"operation"})

	// OperationLatency tracks engine operation latency, including commit.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powerperp_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Rejections counts failed operations by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerperp_rejections_total",
		Help: "Operations rejected by the engine",
	}, []string{"operation", "kind"})

	// Liquidations counts liquidations by mode (partial, insolvent, lp_unwind).
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerperp_liquidations_total",
		Help: "Total number of liquidations",
	}, []string{"mode"})

	// Hedges counts strategy rebalances by trigger (time, price, otc) and side.
	Hedges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerperp_hedges_total",
		Help: "Total number of strategy hedges",
	}, []string{"trigger", "side"})

	// OTCFills counts individual signed orders filled by OTC hedges.
	OTCFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powerperp_otc_fills_total",
		Help: "Signed orders filled by OTC hedges",
	})

	// NormalizationFactor is the last settled normalization factor.
	NormalizationFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powerperp_normalization_factor",
		Help: "Last settled normalization factor",
	})

	// StrategySupply is the strategy's outstanding share supply.
	StrategySupply = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powerperp_strategy_total_supply",
		Help: "Outstanding strategy shares",
	}, []string{"strategy"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powerperp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerperp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powerperp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe records the outcome of one engine operation.
func Observe(operation string, start time.Time, err error) {
	OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "internal"
		if k := model.KindOf(err); k != nil {
			kind = strings.ReplaceAll(k.Error(), " ", "_")
		}
		Rejections.WithLabelValues(operation, kind).Inc()
		return
	}
	VaultOperations.WithLabelValues(operation).Inc()
}

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
