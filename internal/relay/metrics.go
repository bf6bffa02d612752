package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay server's own Prometheus registry, separate
// from pkg/mesh.Metrics: a relay process never runs a Runtime, it only
// pairs sockets, so it tracks session and replay-guard counters instead
// of transport/gossip/dispatch ones.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive       prometheus.Gauge
	SessionsPairedTotal  prometheus.Counter
	SessionsTimedOutTotal prometheus.Counter
	ReplayRejectedTotal  prometheus.Counter
	BytesForwardedTotal  *prometheus.CounterVec
}

// NewMetrics builds a Metrics bound to a fresh, private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atmosphere_relay_sessions_active",
			Help: "Paired relay sessions currently forwarding frames.",
		}),
		SessionsPairedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atmosphere_relay_sessions_paired_total",
			Help: "Sessions that successfully paired two clients.",
		}),
		SessionsTimedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atmosphere_relay_sessions_timed_out_total",
			Help: "Sessions where a second client never arrived before the wait deadline.",
		}),
		ReplayRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atmosphere_relay_replay_rejected_total",
			Help: "Connections rejected for presenting a nonce already bound to a different node_id.",
		}),
		BytesForwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_relay_bytes_forwarded_total",
			Help: "Bytes forwarded between paired clients, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		m.SessionsActive, m.SessionsPairedTotal, m.SessionsTimedOutTotal,
		m.ReplayRejectedTotal, m.BytesForwardedTotal,
	)
	return m
}

// Handler exposes this Metrics' registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
