// Package metrics exposes Prometheus collectors for the wallet service.
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lnd_nwc"

// Metrics holds the collectors registered in a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	droppedEvents   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	activeWatchers  prometheus.Gauge
	connectedRelays prometheus.Gauge
	sessions        prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Wallet requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from decrypted request to published response.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Inbound events discarded before dispatch, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Payment notifications, by type and outcome.",
		}, []string{"type", "outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publishes_total",
			Help:      "Per-relay publish acknowledgements.",
		}, []string{"outcome"}),
		activeWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlement_watchers",
			Help:      "Invoice settlement watchers currently running.",
		}),
		connectedRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_relays",
			Help:      "Relay websocket connections currently open.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Wallet sessions with a live subscription.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.droppedEvents,
		m.notifications,
		m.publishes,
		m.activeWatchers,
		m.connectedRelays,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestHandled(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotificationSent(notificationType, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notificationType, outcome).Inc()
}

func (m *Metrics) RelayPublish(accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WatcherStarted() {
	if m == nil {
		return
	}
	m.activeWatchers.Inc()
}

func (m *Metrics) WatcherFinished() {
	if m == nil {
		return
	}
	m.activeWatchers.Dec()
}

func (m *Metrics) RelayConnected() {
	if m == nil {
		return
	}
	m.connectedRelays.Inc()
}

func (m *Metrics) RelayDisconnected() {
	if m == nil {
		return
	}
	m.connectedRelays.Dec()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
