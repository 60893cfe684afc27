package rendezvous

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	peers      prometheus.Gauge
	listings   prometheus.Gauge
	forwarders prometheus.Gauge
	punches    *prometheus.CounterVec
	forwards   *prometheus.CounterVec
	queries    prometheus.Counter
	relayed    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "connected_peers",
			Help:      "Sessions currently connected to the server.",
		}),
		listings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "public_listings",
			Help:      "Hosts currently listed publicly.",
		}),
		forwarders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "active_forwarders",
			Help:      "UDP forwarders currently relaying traffic.",
		}),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "punch_requests_total",
			Help:      "Punch-through requests by outcome.",
		}, []string{"outcome"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "forward_requests_total",
			Help:      "Relay forward requests by outcome.",
		}, []string{"outcome"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "guid_queries_total",
			Help:      "GUID validity queries answered.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkcable",
			Subsystem: "rendezvous",
			Name:      "relayed_bytes_total",
			Help:      "Bytes moved by forwarders, by direction.",
		}, []string{"direction"}),
	}
	if reg == nil {
		return m
	}

	m.peers = register(reg, m.peers)
	m.listings = register(reg, m.listings)
	m.forwarders = register(reg, m.forwarders)
	m.punches = register(reg, m.punches)
	m.forwards = register(reg, m.forwards)
	m.queries = register(reg, m.queries)
	m.relayed = register(reg, m.relayed)
	return m
}

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
