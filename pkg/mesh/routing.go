package mesh

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

const (
	routingTopK          = 8
	routingStaleAfter    = 5 * time.Minute
	routingDecayPerMin   = 0.5
	routingEvictBelow    = 0.05
	routingLocalityBase  = 0.95
)

// cosineSimilarity computes cosine(a, b) via gonum's floats package,
// returning 0 for degenerate (zero-norm) vectors rather than NaN.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// RoutingTable holds, per capability_id, up to routingTopK RouteEntries
// ordered by a stale score approximation, refreshed exactly at query
// time with the live score function (section 4.7).
type RoutingTable struct {
	metrics *Metrics // nil-safe

	mu      sync.RWMutex
	entries map[string][]RouteEntry // capability_id -> entries, score-desc
}

// NewRoutingTable creates an empty RoutingTable.
func NewRoutingTable(metrics *Metrics) *RoutingTable {
	return &RoutingTable{metrics: metrics, entries: make(map[string][]RouteEntry)}
}

// Upsert synthesizes or updates an entry from a gossip arrival: peer P
// advertises capability C originated by O, one hop further and one RTT
// further than P reported.
func (rt *RoutingTable) Upsert(capabilityID string, nextHop NodeId, via TransportKind, advertisedHops int, measuredRTT, advertisedLatency, costMultiplier, reliability float64) {
	hopCount := advertisedHops + 1
	entry := RouteEntry{
		CapabilityId:      capabilityID,
		NextHopNodeId:     nextHop,
		ViaTransport:      via,
		HopCount:          hopCount,
		MeasuredLatencyMs: measuredRTT + advertisedLatency,
		CostMultiplier:    costMultiplier,
		Reliability:       reliability,
		LastUpdated:       time.Now(),
		// Score assumes similarity 1.0 until a query actually scores this
		// entry against a real intent; it only governs top-K retention and
		// decay (section 4.7), never the live ranking computed in rankCandidates.
		Score: Score(1.0, hopCount, costMultiplier, reliability),
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	list := rt.entries[capabilityID]
	replaced := false
	for i, e := range list {
		if e.NextHopNodeId == nextHop && e.ViaTransport == via {
			list[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry)
	}
	rt.entries[capabilityID] = topK(list, routingTopK)
	if rt.metrics != nil {
		rt.metrics.RouteEntriesHeld.WithLabelValues(capabilityID).Set(float64(len(rt.entries[capabilityID])))
	}
}

// Evict removes a single RouteEntry, used when a dispatch discovers
// UnknownCapability between lookup and send.
func (rt *RoutingTable) Evict(capabilityID string, nextHop NodeId, via TransportKind) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	list := rt.entries[capabilityID]
	out := list[:0]
	for _, e := range list {
		if e.NextHopNodeId == nextHop && e.ViaTransport == via {
			continue
		}
		out = append(out, e)
	}
	rt.entries[capabilityID] = out
}

// UpdateReliability applies the EWMA update to the reliability of a
// single entry after a dispatch outcome.
func (rt *RoutingTable) UpdateReliability(capabilityID string, nextHop NodeId, via TransportKind, success bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	list := rt.entries[capabilityID]
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	for i, e := range list {
		if e.NextHopNodeId == nextHop && e.ViaTransport == via {
			list[i].Reliability = heartbeatEWMAAlpha*outcome + (1-heartbeatEWMAAlpha)*e.Reliability
			return
		}
	}
}

// DecayAndEvict applies section 4.7's staleness decay: entries idle
// beyond routingStaleAfter lose half their score per additional
// minute, and are evicted once score drops below routingEvictBelow.
func (rt *RoutingTable) DecayAndEvict(now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for capID, list := range rt.entries {
		var kept []RouteEntry
		for _, e := range list {
			age := now.Sub(e.LastUpdated)
			if age > routingStaleAfter {
				extraMinutes := (age - routingStaleAfter).Minutes()
				decayFactor := 1.0
				for i := 0.0; i < extraMinutes; i++ {
					decayFactor *= routingDecayPerMin
				}
				e.Score *= decayFactor
			}
			if e.Score < routingEvictBelow && !e.LastUpdated.IsZero() && now.Sub(e.LastUpdated) > routingStaleAfter {
				continue
			}
			kept = append(kept, e)
		}
		rt.entries[capID] = kept
	}
}

// Candidates returns every currently-held RouteEntry for a capability.
func (rt *RoutingTable) Candidates(capabilityID string) []RouteEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]RouteEntry, len(rt.entries[capabilityID]))
	copy(out, rt.entries[capabilityID])
	return out
}

// All returns every capability_id currently tracked.
func (rt *RoutingTable) All() map[string][]RouteEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[string][]RouteEntry, len(rt.entries))
	for k, v := range rt.entries {
		cp := make([]RouteEntry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Score computes the live score function for a candidate at query
// time: similarity x locality x cost_inv x reliability, with the busy
// and overload penalties from section 4.8 step 4 applied by the caller.
func Score(similarity float64, hopCount int, costMultiplier, reliability float64) float64 {
	locality := pow(routingLocalityBase, float64(hopCount))
	costInv := 1.0
	if costMultiplier > 0 {
		costInv = 1.0 / costMultiplier
	}
	return similarity * locality * costInv * reliability
}

// pow raises base to a non-negative integer power (hop counts are
// always whole numbers).
func pow(base float64, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// topK sorts list by Score descending and truncates to k.
func topK(list []RouteEntry, k int) []RouteEntry {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].Score > list[j-1].Score; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	if len(list) > k {
		list = list[:k]
	}
	return list
}
