// Package metrics provides Prometheus instrumentation for the pool engine.
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
	// PoolsCreated counts initialized pools.
	PoolsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_pools_created_total",
		Help: "Total number of pools initialized",
	})

	// OpenPools tracks pools that have not yet had a winner declared.
	OpenPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolengine_open_pools",
		Help: "Number of pools still accepting bets or awaiting a winner",
	})

	// BetsTotal counts placed bets, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_bets_total",
		Help: "Total number of bets placed",
	}, []string{"side"})

	// StakeVolume tracks cumulative staked base units, partitioned by side.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_stake_units_total",
		Help: "Cumulative staked amount in base units",
	}, []string{"side"})

	// WinnersDeclared counts declarations by winning side.
	WinnersDeclared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_winners_declared_total",
		Help: "Total number of pools with a declared winner",
	}, []string{"side"})

	// PayoutsTotal counts completed payouts.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolengine_payouts_total",
		Help: "Total number of winning bets paid out",
	})

	// PayoutVolume tracks cumulative base units moved by payouts, by recipient.
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_payout_units_total",
		Help: "Cumulative base units paid out, by recipient (winner, creator, platform)",
	}, []string{"recipient"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolengine_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OperationErrors counts failed operations by error kind.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_operation_errors_total",
		Help: "Failed engine operations by error kind",
	}, []string{"op", "kind"})

	// EventsPublished counts published events by sink and outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_events_published_total",
		Help: "Events handed to a sink, by sink and result",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency of op since start and, on failure,
// an error under kind.
func ObserveOperation(op string, start time.Time, kind string) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if kind != "" {
		OperationErrors.WithLabelValues(op, kind).Inc()
	}
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

		// Label by route pattern; raw paths carry pool and bet addresses.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
