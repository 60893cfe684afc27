package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	state         *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	fallbackSteps *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	promotions    *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	portMappings  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state as its numeric value.",
		}, []string{"role"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "State transitions by target state.",
		}, []string{"role", "state"}),
		fallbackSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "fallback_steps_total",
			Help:      "Client fallback steps by step and outcome.",
		}, []string{"step", "outcome"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "refusals_total",
			Help:      "Join requests refused by the host, by reason.",
		}, []string{"reason"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "peer_promotions_total",
			Help:      "Peers promoted to the active connection.",
		}, []string{"role"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by target.",
		}, []string{"role", "target"}),
		portMappings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "session",
			Name:      "port_mappings_total",
			Help:      "Port mapping outcomes.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}

	m.state = register(reg, m.state)
	m.transitions = register(reg, m.transitions)
	m.fallbackSteps = register(reg, m.fallbackSteps)
	m.refusals = register(reg, m.refusals)
	m.promotions = register(reg, m.promotions)
	m.reconnects = register(reg, m.reconnects)
	m.portMappings = register(reg, m.portMappings)
	return m
}

// register adds c to reg, reusing the collector already registered by another
// session in the same process.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
