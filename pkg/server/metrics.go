package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. Each instance owns
// its registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	activeConnections  prometheus.Gauge
	connectionsOpened  *prometheus.CounterVec // by transport
	onlineUsers        prometheus.Gauge
	sessions           prometheus.Gauge

	// Message metrics
	messagesReceived *prometheus.CounterVec // by kind
	messagesSent     *prometheus.CounterVec // by kind
	rejected         *prometheus.CounterVec // by reason

	// Delivery metrics
	fanout              prometheus.Histogram
	deliveryFailures    prometheus.Counter
	persistenceFailures prometheus.Counter
	dispatchDuration    *prometheus.HistogramVec
}

// NewMetrics creates a metrics instance with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_active_connections",
			Help: "Current number of open connections",
		}),
		connectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_connections_opened_total",
			Help: "Total number of accepted connections by transport",
		}, []string{"transport"}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_online_users",
			Help: "Current number of connections bound to a name",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_sessions",
			Help: "Number of sessions known to the registry",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_received_total",
			Help: "Total number of messages received from clients by kind",
		}, []string{"kind"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_sent_total",
			Help: "Total number of messages sent to clients by kind",
		}, []string{"kind"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_rejected_total",
			Help: "Total number of inbound messages rejected by reason",
		}, []string{"reason"}),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaychat_delivery_fanout",
			Help:    "Number of connections each inbound message was delivered to",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_delivery_failures_total",
			Help: "Total number of sends that failed and closed the recipient",
		}),
		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_persistence_failures_total",
			Help: "Total number of messages that could not be persisted",
		}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaychat_dispatch_duration_seconds",
			Help:    "Time taken to handle an inbound message including delivery",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// Registry returns the registry the metrics are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionOpened counts a new connection on a transport
func (m *Metrics) RecordConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(transport).Inc()
	m.activeConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// RecordPresence updates the online user and session gauges
func (m *Metrics) RecordPresence(online, sessions int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(online))
	m.sessions.Set(float64(sessions))
}

// RecordMessageReceived increments the received counter for a kind
func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageSent increments the sent counter for a kind
func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// RecordRejected counts a message rejected with a validation error
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// RecordFanout records how many connections received copies for one inbound message
func (m *Metrics) RecordFanout(recipients int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(recipients))
}

// RecordDeliveryFailure counts a failed send
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// RecordPersistenceFailure counts messages that did not reach the store
func (m *Metrics) RecordPersistenceFailure(count int) {
	if m == nil {
		return
	}
	m.persistenceFailures.Add(float64(count))
}

// RecordDispatchDuration records how long handling one message took
func (m *Metrics) RecordDispatchDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(kind).Observe(seconds)
}
