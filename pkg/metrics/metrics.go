// Package metrics holds the Prometheus collectors exported by the gateway.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletgate"

type Metrics struct {
	pinAttempts     *prometheus.CounterVec
	lockouts        prometheus.Counter
	proposals       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	queueDepth      prometheus.Gauge
	relayMessages   *prometheus.CounterVec
	relayReconnects prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_attempts_total",
			Help:      "PIN verifications by result.",
		}, []string{"result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_lockouts_total",
			Help:      "Number of times the vault entered lockout.",
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_proposals_total",
			Help:      "Session proposals by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_requests_total",
			Help:      "Session requests by method and outcome.",
		}, []string{"method", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently connected sessions.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Items waiting in the pending-action queue, including the presented one.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay messages by direction.",
		}, []string{"direction"}),
		relayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Relay reconnect attempts.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.pinAttempts,
			m.lockouts,
			m.proposals,
			m.requests,
			m.activeSessions,
			m.queueDepth,
			m.relayMessages,
			m.relayReconnects,
		)
	}
	return m
}

func (m *Metrics) PinAttempt(result string) {
	if m == nil {
		return
	}
	m.pinAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) Proposal(outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RelayMessage(direction string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) RelayReconnect() {
	if m == nil {
		return
	}
	m.relayReconnects.Inc()
}
