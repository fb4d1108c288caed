// ABOUTME: Prometheus instrumentation: request, turn, webhook, and runtime series.
// ABOUTME: Collectors live on a private registry served at the configured path.

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	turns    *prometheus.CounterVec
	turnTime prometheus.Histogram
	webhooks *prometheus.CounterVec
}

// newMetrics builds the collector set on a private registry so tests
// can construct gateways without duplicate-registration panics.
func newMetrics(activeRuntimes func() int) *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_http_requests_total",
			Help: "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flint_http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_turns_total",
			Help: "Agent turns executed, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		turnTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flint_turn_duration_seconds",
			Help:    "Wall-clock duration of agent turns.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flint_webhook_events_total",
			Help: "Webhook deliveries handled, by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
	}

	if activeRuntimes != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flint_runtimes_active",
			Help: "Agent child processes currently alive.",
		}, func() float64 {
			return float64(activeRuntimes())
		})
	}
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *metrics) observeTurn(provider string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if provider == "" {
		provider = "unknown"
	}
	m.turns.WithLabelValues(provider, outcome).Inc()
	m.turnTime.Observe(elapsed.Seconds())
}

func (m *metrics) observeWebhook(adapter, outcome string) {
	m.webhooks.WithLabelValues(adapter, outcome).Inc()
}

// statusWriter captures the response code for the request counter while
// passing Flush through so SSE handlers keep streaming.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument wraps a handler with the request counter and latency
// histogram. The route label is the registration pattern, never the raw
// path, to keep series cardinality bounded.
func (g *Gateway) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		code := sw.code
		if code == 0 {
			code = http.StatusOK
		}
		g.metrics.observeRequest(route, code, time.Since(start))
	})
}
