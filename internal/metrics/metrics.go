// Package metrics provides Prometheus instrumentation for the bet engine.
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
	// OffersCreated counts maker offers placed, partitioned by sport.
	OffersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_offers_created_total",
		Help: "Total number of maker offers created",
	}, []string{"sport"})

	// Accepts counts accept attempts by outcome (matched, already_matched,
	// expired, match_started, invalid, error).
	Accepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_accepts_total",
		Help: "Accept attempts by outcome",
	}, []string{"outcome"})

	// AcceptLatency tracks accept latency including the match-status check.
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "betengine_accept_latency_seconds",
		Help:    "Accept latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Settlements counts offers moved to a terminal state by settlement,
	// partitioned by resulting status.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_settlements_total",
		Help: "Offers settled or voided, by resulting status",
	}, []string{"status"})

	// SettlementConflicts counts settle calls refused because a match
	// was already settled with a different winner.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betengine_settlement_conflicts_total",
		Help: "Settlements refused due to a conflicting recorded outcome",
	})

	// CommissionCollected sums commission withheld from winners.
	CommissionCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betengine_commission_collected_total",
		Help: "Cumulative commission withheld from winners",
	})

	// OffersReaped counts expired pending offers voided by the reaper.
	OffersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betengine_offers_reaped_total",
		Help: "Expired pending offers voided by the reaper",
	})

	// LimitRejections counts offers and accepts rejected by the exposure limiter.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_limit_rejections_total",
		Help: "Stakes rejected by the exposure limiter",
	}, []string{"limit"})

	// NotifierFailures counts failed event deliveries per sink.
	NotifierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_notifier_failures_total",
		Help: "Failed event deliveries by sink",
	}, []string{"sink"})

	// ResultMessages counts match-result feed messages by outcome.
	ResultMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_result_messages_total",
		Help: "Match result messages consumed, by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betengine_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
