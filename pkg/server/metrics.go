package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects server counters and gauges. Each Metrics owns its own
// prometheus registry so multiple servers (common in tests) never collide on
// collector registration.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	registeredUsers    prometheus.Gauge
	sessionsTotal      prometheus.Counter
	nameRejections     prometheus.Counter
	broadcasts         prometheus.Counter
	broadcastFailures  prometheus.Counter
	privatesDropped    prometheus.Counter
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Number of open connections, registered or not",
		}),
		registeredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_registered_users",
			Help: "Number of nicknames currently in the registry",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_sessions_total",
			Help: "Total connections accepted since start",
		}),
		nameRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_name_rejections_total",
			Help: "Registrations rejected with NAME_USED",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Chat messages fanned out to all users",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_failures_total",
			Help: "Individual recipient sends that failed during fan-out",
		}),
		privatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_private_messages_dropped_total",
			Help: "Private messages silently dropped for unknown recipients",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Envelopes received from clients, by kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Envelopes sent to clients, by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.registeredUsers,
		m.sessionsTotal,
		m.nameRejections,
		m.broadcasts,
		m.broadcastFailures,
		m.privatesDropped,
		m.messagesReceived,
		m.messagesSent,
	)

	return m
}

// Handler returns the HTTP handler serving this server's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRegisteredUsers(n int) {
	m.registeredUsers.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordNameRejected() {
	m.nameRejections.Inc()
}

func (m *Metrics) RecordBroadcast() {
	m.broadcasts.Inc()
}

func (m *Metrics) RecordBroadcastFailure() {
	m.broadcastFailures.Inc()
}

func (m *Metrics) RecordPrivateDropped() {
	m.privatesDropped.Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

// AddMessagesSent records n sends of the same kind at once (broadcast fan-out).
func (m *Metrics) AddMessagesSent(kind string, n int) {
	if n > 0 {
		m.messagesSent.WithLabelValues(kind).Add(float64(n))
	}
}
