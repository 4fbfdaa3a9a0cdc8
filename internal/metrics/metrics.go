// Package metrics exposes Prometheus collectors for the protocol core and
// the reference server. A nil *Set is a valid no-op receiver so library
// users who do not care about metrics can pass nil everywhere.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the process registers.
type Set struct {
	registry *prometheus.Registry

	reconnectAttempts prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	pendingDepth      prometheus.Gauge
	connectedClients  prometheus.Gauge
}

// New builds a Set backed by its own registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxlink_reconnect_attempts_total",
			Help: "Connection attempts made after a link failure.",
		}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muxlink_messages_routed_total",
			Help: "Messages delivered to a session handler, by channel.",
		}, []string{"channel"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muxlink_messages_dropped_total",
			Help: "Messages dropped before reaching a handler, by reason.",
		}, []string{"reason"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muxlink_active_sessions",
			Help: "Currently subscribed sessions.",
		}),
		pendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muxlink_pending_queue_depth",
			Help: "Outbound messages queued while unauthenticated.",
		}),
		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muxlink_connected_clients",
			Help: "WebSocket clients currently connected to the server.",
		}),
	}
}

// Handler serves the set's registry over HTTP.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// MessageRouted implements mux.Metrics.
func (s *Set) MessageRouted(channel string) {
	if s == nil {
		return
	}
	s.messagesRouted.WithLabelValues(channel).Inc()
}

// MessageDropped implements mux.Metrics.
func (s *Set) MessageDropped(reason string) {
	if s == nil {
		return
	}
	s.messagesDropped.WithLabelValues(reason).Inc()
}

// ActiveSessions implements mux.Metrics.
func (s *Set) ActiveSessions(n int) {
	if s == nil {
		return
	}
	s.activeSessions.Set(float64(n))
}

// PendingQueueDepth implements mux.Metrics.
func (s *Set) PendingQueueDepth(n int) {
	if s == nil {
		return
	}
	s.pendingDepth.Set(float64(n))
}

// ReconnectAttempt counts one supervisor-driven reconnection attempt.
func (s *Set) ReconnectAttempt() {
	if s == nil {
		return
	}
	s.reconnectAttempts.Inc()
}

// ClientConnected tracks a new server-side client connection.
func (s *Set) ClientConnected() {
	if s == nil {
		return
	}
	s.connectedClients.Inc()
}

// ClientDisconnected tracks a closed server-side client connection.
func (s *Set) ClientDisconnected() {
	if s == nil {
		return
	}
	s.connectedClients.Dec()
}
