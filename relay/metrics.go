package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registered bool

	sessions    prometheus.Gauge
	connections *prometheus.GaugeVec
	forwarded   *prometheus.CounterVec
	pairings    *prometheus.CounterVec
}

func newMetrics(register bool) *metrics {
	m := &metrics{
		registered: register,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Number of live pairing sessions.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of live websocket connections by role.",
		}, []string{"role"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "forwarded_messages_total",
			Help:      "Envelopes forwarded between peers by direction.",
		}, []string{"direction"}),
		pairings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "relay",
			Name:      "pairing_outcomes_total",
			Help:      "Pairing endpoint outcomes by code.",
		}, []string{"endpoint", "outcome"}),
	}
	if register {
		prometheus.MustRegister(m.sessions, m.connections, m.forwarded, m.pairings)
	}
	return m
}

func (m *metrics) unregister() {
	if !m.registered {
		return
	}
	prometheus.Unregister(m.sessions)
	prometheus.Unregister(m.connections)
	prometheus.Unregister(m.forwarded)
	prometheus.Unregister(m.pairings)
}
