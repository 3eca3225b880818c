package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

const metricsNamespace = "reconciler"

// Metrics holds the Prometheus collectors for reconciliation and payment gateway traffic.
type Metrics struct {
	registry *prometheus.Registry

	confirmations  *prometheus.CounterVec
	materialized   *prometheus.CounterVec
	collisions     prometheus.Counter
	expired        prometheus.Counter
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	authChecks     *prometheus.CounterVec
}

// NewMetrics registers every collector on a dedicated registry together with the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmations processed, by channel and outcome.",
		}, []string{"source", "outcome"}),
		materialized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_materialized_total",
			Help:      "Orders created from confirmed pending orders.",
		}, []string{"provider"}),
		collisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "identifier_collisions_total",
			Help:      "Order or invoice number candidates rejected as already taken.",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pending_orders_expired_total",
			Help:      "Pending orders moved to expired by the sweeper.",
		}),
		gatewayCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_calls_total",
			Help:      "Outbound payment gateway calls, by provider, operation and result.",
		}, []string{"provider", "operation", "result"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of outbound payment gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 9),
		}, []string{"provider", "operation"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status class.",
		}, []string{"method", "route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		authChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "service_auth_checks_total",
			Help:      "Service-to-service token verifications on internal routes, by reason.",
		}, []string{"kind", "reason"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConfirmationProcessed(source domain.ConfirmationSource, outcome string) {
	m.confirmations.WithLabelValues(string(source), outcome).Inc()
}

func (m *Metrics) OrderMaterialized(provider string) {
	m.materialized.WithLabelValues(provider).Inc()
}

func (m *Metrics) IdentifierCollision() {
	m.collisions.Inc()
}

func (m *Metrics) PendingOrdersExpired(count int) {
	if count > 0 {
		m.expired.Add(float64(count))
	}
}

// ObserveGatewayCall records one outbound gateway request.
func (m *Metrics) ObserveGatewayCall(provider, operation string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(provider, operation, result).Inc()
	m.gatewayLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records a served request. Route should be the router pattern, never the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordVerification counts internal-route token checks. It satisfies auth.MetricsRecorder.
func (m *Metrics) RecordVerification(_ context.Context, kind string, _ bool, reason string, _ time.Duration) {
	m.authChecks.WithLabelValues(kind, reason).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
