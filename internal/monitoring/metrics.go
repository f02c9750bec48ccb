// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway reports. A nil *Metrics is a
// valid no-op receiver so callers never need nil checks at call sites.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	firstToken      *prometheus.HistogramVec
	failovers       *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	usageDropped    prometheus.Counter
}

// New registers the gateway's collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccswitch_requests_total",
			Help: "Completed requests by app, provider and status code.",
		}, []string{"app", "provider", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccswitch_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"app", "provider"}),
		firstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccswitch_first_token_seconds",
			Help:    "Time to first streamed event.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"app", "provider"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccswitch_failover_attempts_total",
			Help: "Transport-level attempt failures that advanced the chain.",
		}, []string{"app", "provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccswitch_breaker_state",
			Help: "Breaker state per provider: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccswitch_usage_records_dropped_total",
			Help: "Usage records lost to a full persistence queue.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.firstToken,
		m.failovers, m.breakerState, m.usageDropped,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(app, provider string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(app, provider, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(app, provider).Observe(latency.Seconds())
}

func (m *Metrics) ObserveFirstToken(app, provider string, ttfb time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.WithLabelValues(app, provider).Observe(ttfb.Seconds())
}

func (m *Metrics) ObserveFailover(app, provider string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(app, provider).Inc()
}

func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) UsageRecordDropped() {
	if m == nil {
		return
	}
	m.usageDropped.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	}
	return "other"
}
