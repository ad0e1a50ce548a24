package server

import (
	"github.com/aeolun/reverb/pkg/hub"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activeSessions      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	authFailures        prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	bytesReceived       prometheus.Counter
	bytesSent           prometheus.Counter
	hubDeliveries       *prometheus.CounterVec
	hubDropped          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverb_active_sessions",
			Help: "Number of open sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverb_sessions_total",
			Help: "Total sessions created",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverb_connections_rejected_total",
			Help: "Connections refused before a session was created",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverb_auth_failures_total",
			Help: "Failed login attempts",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverb_messages_received_total",
			Help: "Frames received from clients by message type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverb_messages_sent_total",
			Help: "Frames written to clients by message type",
		}, []string{"type"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverb_bytes_received_total",
			Help: "Frame bytes received from clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverb_bytes_sent_total",
			Help: "Frame bytes written to clients",
		}),
		hubDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverb_hub_deliveries_total",
			Help: "Deliveries queued on channel subscriptions by message type",
		}, []string{"type"}),
		hubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverb_hub_dropped_total",
			Help: "Deliveries evicted from full subscription queues by message type",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.connectionsRejected,
		m.authFailures,
		m.messagesReceived,
		m.messagesSent,
		m.bytesReceived,
		m.bytesSent,
		m.hubDeliveries,
		m.hubDropped,
	)
	return m
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType uint8, size int) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(protocol.TypeName(msgType)).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) RecordMessageSent(msgType uint8, size int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(protocol.TypeName(msgType)).Inc()
	m.bytesSent.Add(float64(size))
}

// ObservePublish implements hub.Observer.
func (m *Metrics) ObservePublish(_ uuid.UUID, msgType uint8, res hub.PublishResult) {
	if m == nil {
		return
	}
	name := protocol.TypeName(msgType)
	m.hubDeliveries.WithLabelValues(name).Add(float64(res.Delivered))
	if res.Dropped > 0 {
		m.hubDropped.WithLabelValues(name).Add(float64(res.Dropped))
	}
}

var _ hub.Observer = (*Metrics)(nil)

// publishObservers fans a publish notification out to several observers.
type publishObservers []hub.Observer

func (p publishObservers) ObservePublish(channelID uuid.UUID, msgType uint8, res hub.PublishResult) {
	for _, o := range p {
		o.ObservePublish(channelID, msgType, res)
	}
}
