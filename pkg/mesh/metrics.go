package mesh

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds an isolated Prometheus registry for one Runtime. Tests
// construct a fresh Metrics per Runtime so collectors never collide
// across independently-started runtimes in the same test binary.
type Metrics struct {
	registry *prometheus.Registry

	TransportDialTotal      *prometheus.CounterVec
	TransportDialDurationMs *prometheus.HistogramVec
	ProbeTotal              *prometheus.CounterVec
	ConnectedPeers          *prometheus.GaugeVec
	TransportSwitchTotal    *prometheus.CounterVec

	GossipPushTotal  *prometheus.CounterVec
	GossipPullTotal  *prometheus.CounterVec
	GossipDedupDrops prometheus.Counter
	GossipRecordsHeld *prometheus.GaugeVec

	RouteEntriesHeld  *prometheus.GaugeVec
	DispatchTotal     *prometheus.CounterVec
	DispatchLatencyMs prometheus.Histogram

	HeartbeatRTTMs *prometheus.HistogramVec
	HeartbeatMissed *prometheus.CounterVec
}

// NewMetrics builds a Metrics bound to a fresh, private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TransportDialTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_transport_dial_total",
			Help: "Transport dial attempts by kind and outcome.",
		}, []string{"transport", "outcome"}),
		TransportDialDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atmosphere_transport_dial_duration_ms",
			Help:    "Transport dial duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"transport"}),
		ProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_probe_total",
			Help: "Transport probe attempts by kind and outcome.",
		}, []string{"transport", "outcome"}),
		ConnectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atmosphere_connected_peers",
			Help: "Currently connected peers by active transport.",
		}, []string{"transport"}),
		TransportSwitchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_transport_switch_total",
			Help: "TransportSwitch events by old and new transport.",
		}, []string{"old", "new"}),
		GossipPushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_gossip_push_total",
			Help: "Gossip envelopes pushed by record kind.",
		}, []string{"record_kind"}),
		GossipPullTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_gossip_pull_total",
			Help: "Anti-entropy pull rounds by outcome.",
		}, []string{"outcome"}),
		GossipDedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atmosphere_gossip_dedup_drops_total",
			Help: "Envelopes dropped as duplicates.",
		}),
		GossipRecordsHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atmosphere_gossip_records_held",
			Help: "Records currently held by kind.",
		}, []string{"record_kind"}),
		RouteEntriesHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atmosphere_route_entries_held",
			Help: "RouteEntries currently held per capability.",
		}, []string{"capability_id"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_dispatch_total",
			Help: "Intent dispatch outcomes.",
		}, []string{"outcome"}),
		DispatchLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atmosphere_dispatch_latency_ms",
			Help:    "End-to-end intent dispatch latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		HeartbeatRTTMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atmosphere_heartbeat_rtt_ms",
			Help:    "Heartbeat round-trip time in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"transport"}),
		HeartbeatMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atmosphere_heartbeat_missed_total",
			Help: "Missed heartbeats by transport.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.TransportDialTotal, m.TransportDialDurationMs, m.ProbeTotal, m.ConnectedPeers,
		m.TransportSwitchTotal, m.GossipPushTotal, m.GossipPullTotal, m.GossipDedupDrops,
		m.GossipRecordsHeld, m.RouteEntriesHeld, m.DispatchTotal, m.DispatchLatencyMs,
		m.HeartbeatRTTMs, m.HeartbeatMissed,
	)
	return m
}

// Handler exposes this Metrics' registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
