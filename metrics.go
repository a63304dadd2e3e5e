package socialhub

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the SDK. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// RequestDuration tracks REST call latency.
	RequestDuration *prometheus.HistogramVec

	// SocketConnected is 1 while a socket is connected.
	SocketConnected *prometheus.GaugeVec

	// SocketReconnects counts reconnect attempts.
	SocketReconnects *prometheus.CounterVec

	// MessagesSent counts outgoing messages by final outcome.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts inbound message events.
	MessagesReceived prometheus.Counter

	// UnreadTotal mirrors the unread counter's total.
	UnreadTotal prometheus.Gauge

	// NotificationsReceived counts notification payloads.
	NotificationsReceived *prometheus.CounterVec
}

// NewMetrics registers the SDK collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "socialhub_request_duration_seconds",
				Help:    "REST request duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		SocketConnected: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "socialhub_socket_connected",
				Help: "Whether the socket is connected (1) or not (0)",
			},
			[]string{"socket"},
		),
		SocketReconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socialhub_socket_reconnects_total",
				Help: "Socket reconnect attempts",
			},
			[]string{"socket"},
		),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socialhub_messages_sent_total",
				Help: "Outgoing chat messages by outcome",
			},
			[]string{"outcome"},
		),
		MessagesReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "socialhub_messages_received_total",
				Help: "Inbound chat message events",
			},
		),
		UnreadTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "socialhub_unread_total",
				Help: "Total unread messages across conversations",
			},
		),
		NotificationsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socialhub_notifications_received_total",
				Help: "Notifications delivered by type",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) observeRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, routeLabel(path), status).Observe(seconds)
}

func (m *Metrics) setConnected(socket string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.SocketConnected.WithLabelValues(socket).Set(v)
}

func (m *Metrics) reconnect(socket string) {
	if m == nil {
		return
	}
	m.SocketReconnects.WithLabelValues(socket).Inc()
}

func (m *Metrics) messageOutcome(outcome string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) messageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) setUnread(total int) {
	if m == nil {
		return
	}
	m.UnreadTotal.Set(float64(total))
}

func (m *Metrics) notification(t NotificationType) {
	if m == nil {
		return
	}
	m.NotificationsReceived.WithLabelValues(string(t)).Inc()
}

// routeLabel keeps the first two path segments so IDs stay out of labels.
func routeLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
