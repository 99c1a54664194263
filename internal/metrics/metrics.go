// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// StakesTotal counts admission attempts by direction and outcome
	// ("accepted", "insufficient_funds", "demo_ceiling", "invalid", "error").
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_stakes_total",
		Help: "Stake admission attempts by direction and outcome",
	}, []string{"direction", "outcome"})

	// AdmissionLatency tracks the admission transaction latency.
	AdmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_admission_latency_seconds",
		Help:    "Stake admission latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementsTotal counts resolved trades by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_settlements_total",
		Help: "Trades settled, by result",
	}, []string{"result"})

	// SettlementLatency tracks resolution latency including the oracle call.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_settlement_latency_seconds",
		Help:    "Trade resolution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementFailures counts failed resolution attempts by reason.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_settlement_failures_total",
		Help: "Failed trade resolution attempts",
	}, []string{"reason"})

	// DeadLetteredTrades counts trades the scheduler stopped retrying.
	DeadLetteredTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_dead_lettered_trades_total",
		Help: "Expired trades parked after exhausting settlement retries",
	})

	// PendingExpired tracks the size of the last expired-trade scan.
	PendingExpired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_pending_expired_trades",
		Help: "Expired pending trades found by the last scheduler tick",
	})

	// PoolExposure tracks cumulative admitted stake by direction.
	PoolExposure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_pool_exposure_total",
		Help: "Cumulative stake amount admitted into pools",
	}, []string{"direction"})

	// EventPublishFailures counts dropped or failed event deliveries by sink.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_event_publish_failures_total",
		Help: "Event deliveries that failed or were dropped",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_http_request_duration_seconds",
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
