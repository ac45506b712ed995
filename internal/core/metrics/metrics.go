// Package metrics exposes optional Prometheus counters for packet and
// peer activity. A Node built without a registerer gets a Metrics
// value whose methods are safe no-ops, since instrumentation is a host
// choice, not a core requirement.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and gauges a running Node updates.
type Metrics struct {
	packetsIn      prometheus.Counter
	packetsOut     prometheus.Counter
	packetsDropped *prometheus.CounterVec
	whoisInFlight  prometheus.Gauge
	peersOnline    prometheus.Gauge
}

// New registers and returns a Metrics bound to reg. Passing nil yields
// a Metrics whose methods do nothing, so callers never need a nil
// check before recording a sample.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		packetsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quietmesh", Name: "packets_in_total", Help: "Wire packets received.",
		}),
		packetsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quietmesh", Name: "packets_out_total", Help: "Wire packets sent.",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quietmesh", Name: "packets_dropped_total", Help: "Wire packets dropped, by reason.",
		}, []string{"reason"}),
		whoisInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quietmesh", Name: "whois_in_flight", Help: "Outstanding WHOIS requests.",
		}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quietmesh", Name: "peers_online", Help: "Peers with at least one live path.",
		}),
	}
	reg.MustRegister(m.packetsIn, m.packetsOut, m.packetsDropped, m.whoisInFlight, m.peersOnline)
	return m
}

func (m *Metrics) PacketIn() {
	if m.packetsIn != nil {
		m.packetsIn.Inc()
	}
}

func (m *Metrics) PacketOut() {
	if m.packetsOut != nil {
		m.packetsOut.Inc()
	}
}

func (m *Metrics) PacketDropped(reason string) {
	if m.packetsDropped != nil {
		m.packetsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetWhoisInFlight(n int) {
	if m.whoisInFlight != nil {
		m.whoisInFlight.Set(float64(n))
	}
}

func (m *Metrics) SetPeersOnline(n int) {
	if m.peersOnline != nil {
		m.peersOnline.Set(float64(n))
	}
}
