package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the relay. Each instance
// owns its registry so construction is safe in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Broker metrics
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	SessionsCreated  prometheus.Counter

	// Channel metrics
	EventChannels prometheus.Gauge
	KeepAlives    prometheus.Counter

	// Relay metrics
	TurnsStarted    *prometheus.CounterVec
	LiveConnections prometheus.Gauge
}

// NewMetrics creates a metrics collector backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		DispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_broker_dispatches_total",
				Help: "Broker dispatches by request kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_broker_dispatch_duration_seconds",
				Help:    "Time from dispatch to correlated response",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"kind"},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_sessions_created_total",
				Help: "Broker sessions issued",
			},
		),

		EventChannels: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_event_channels",
				Help: "Event channels currently attached",
			},
		),
		KeepAlives: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_keepalives_total",
				Help: "Keep-alive signals sent on event channels",
			},
		),

		TurnsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_started_total",
				Help: "Agent turns by entry path (new, hot, cold)",
			},
			[]string{"path"},
		),
		LiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_live_connections",
				Help: "Suspended upstream connections cached in this process",
			},
		),
	}
}

// ObserveDispatch records one completed dispatch.
func (m *Metrics) ObserveDispatch(kind, outcome string, duration time.Duration) {
	m.DispatchesTotal.WithLabelValues(kind, outcome).Inc()
	m.DispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
