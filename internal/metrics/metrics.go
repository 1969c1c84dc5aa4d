package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine events. A nil *Metrics is valid and records nothing.
type Metrics struct {
	handlesGranted *prometheus.CounterVec
	lockContention prometheus.Counter
	leaseFailures  prometheus.Counter
	notifications  *prometheus.CounterVec
	nodesCreated   prometheus.Counter
	nodesRemoved   prometheus.Counter
	activeSessions prometheus.Gauge
}

// New registers the sandlock collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		handlesGranted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandlock_handles_granted_total",
				Help: "Handles granted by handle type",
			},
			[]string{"handle_type"},
		),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "sandlock_lock_contention_total",
			Help: "Exclusive handle requests refused because the node was already held",
		}),
		leaseFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sandlock_lease_failures_total",
			Help: "Leases lost without an explicit release",
		}),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandlock_notifications_total",
				Help: "Notifications delivered to sessions by event type",
			},
			[]string{"event"},
		),
		nodesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "sandlock_nodes_created_total",
			Help: "Nodes written by createNode, ancestors included",
		}),
		nodesRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "sandlock_nodes_removed_total",
			Help: "Nodes deleted by remove or ephemeral cleanup",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "sandlock_active_sessions",
			Help: "Client sessions currently connected",
		}),
	}
}

func (m *Metrics) HandleGranted(handleType string) {
	if m == nil {
		return
	}
	m.handlesGranted.WithLabelValues(handleType).Inc()
}

func (m *Metrics) LockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) LeaseFailure() {
	if m == nil {
		return
	}
	m.leaseFailures.Inc()
}

func (m *Metrics) Notification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

func (m *Metrics) NodeCreated() {
	if m == nil {
		return
	}
	m.nodesCreated.Inc()
}

func (m *Metrics) NodeRemoved() {
	if m == nil {
		return
	}
	m.nodesRemoved.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
