package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_webhook_events_total",
			Help: "Signing provider webhook events by resolved action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	creditOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_operations_total",
			Help: "Credit ledger operations by type and outcome.",
		},
		[]string{"op", "outcome"},
	)

	autoRechargeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_recharge_attempts_total",
			Help: "Auto-recharge attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		webhookEventsTotal, creditOpsTotal, autoRechargeTotal,
	)
}

// ObserveWebhookEvent counts one processed signing webhook event.
func ObserveWebhookEvent(action, outcome string) {
	webhookEventsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveCreditOp counts one credit ledger operation.
func ObserveCreditOp(op, outcome string) {
	creditOpsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveAutoRecharge counts one auto-recharge attempt.
func ObserveAutoRecharge(outcome string) {
	autoRechargeTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath normalizes a request path for metric labels: the query
// string is dropped, an empty path becomes "/", and organization-scoped
// credit routes collapse the embedded id so label cardinality does not
// grow with tenant count.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(p, "/v1/credits/"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/v1/credits/:org" + rest[i:]
		}
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
