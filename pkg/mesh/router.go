package mesh

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	routingSimilarityThreshold = 0.35
	routingBusyQueueDepth      = 10
	routingBusyPenalty         = 0.7
	routingOverloadedLoad      = 0.9
	routingOverloadPenalty     = 0.5
	routingMaxRetryNodes       = 3
	preDispatchHeartbeatBudget = 500 * time.Millisecond
)

// DispatchConstraints are the hard and soft constraints a caller may
// attach to route/route_all (section 4.8 step 3).
type DispatchConstraints struct {
	LocalOnly     bool
	RequireGPU    bool
	MaxLatencyMs  float64
	ExcludeNodes  []NodeId
	MaxHops       int
}

func (c DispatchConstraints) excludes(id NodeId) bool {
	for _, n := range c.ExcludeNodes {
		if n == id {
			return true
		}
	}
	return false
}

// Dispatch is the outcome of a successful route.
type Dispatch struct {
	RequestId    string
	TargetNodeId NodeId
	CapabilityId string
	ViaTransport TransportKind
	Result       string
	AttemptChain []NodeId
}

// candidate is one scoreable option considered by route: either a
// locally-registered capability or a gossiped RouteEntry.
type candidate struct {
	capabilityID string
	owner        NodeId
	local        bool
	via          TransportKind
	hopCount     int
	costMult     float64
	reliability  float64
	embedding    []float64
	gpu          bool
	latencyMs    float64 // 0 = unmeasured
	storedScore  float64 // RouteEntry's own stale Score, used only when embedding is unavailable
	queueDepth   int
	load         float64
}

// PeerView answers the questions the router needs about a remote
// peer's current state (connectedness, queue depth, load) without
// coupling the router to the Supervisor's internal shard layout.
type PeerView interface {
	IsConnected(id NodeId) bool
	QueueDepth(id NodeId) int
	Load(id NodeId) float64
}

// Dispatcher sends a signed IntentRequest to a peer (or executes
// locally) and waits for the IntentResponse, bounded by deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, target NodeId, req IntentRequestFrame, deadline time.Time) (IntentResponseFrame, error)
	Heartbeat(ctx context.Context, target NodeId, deadline time.Time) error
}

// Router implements the intent routing algorithm of section 4.8.
type Router struct {
	self     NodeId
	kp       KeyPair
	embedder Embedder
	registry *Registry
	table    *RoutingTable
	peers    PeerView
	dispatch Dispatcher
	metrics  *Metrics // nil-safe
}

// NewRouter creates a Router.
func NewRouter(self NodeId, kp KeyPair, embedder Embedder, registry *Registry, table *RoutingTable, peers PeerView, dispatcher Dispatcher, metrics *Metrics) *Router {
	return &Router{
		self:     self,
		kp:       kp,
		embedder: embedder,
		registry: registry,
		table:    table,
		peers:    peers,
		dispatch: dispatcher,
		metrics:  metrics,
	}
}

// Route resolves intent to a target node and dispatches it, retrying
// on transport error or Busy up to routingMaxRetryNodes distinct
// nodes, collectively bounded by deadline.
func (r *Router) Route(ctx context.Context, intent string, routeCtx map[string]string, constraints DispatchConstraints, deadline time.Time) (Dispatch, error) {
	start := time.Now()
	intentVec, err := r.embedder.Embed(ctx, intent)
	if err != nil {
		return Dispatch{}, Errorf(KindTransient, "embed intent: %w", err)
	}

	ranked := r.rankCandidates(intentVec, constraints)
	if len(ranked) == 0 {
		r.recordDispatch("no_capable_node", start)
		return Dispatch{}, Errorf(KindNoCapableNode, "no candidate satisfies intent")
	}

	requestID := uuid.NewString()
	var attempted []NodeId
	for i := 0; i < len(ranked) && len(attempted) < routingMaxRetryNodes; i++ {
		c := ranked[i]
		if len(attempted) > 0 {
			// already attempted this owner via a different entry; skip.
			skip := false
			for _, a := range attempted {
				if a == c.owner {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
		}
		attempted = append(attempted, c.owner)

		if time.Now().After(deadline) {
			break
		}

		result, err := r.tryCandidate(ctx, c, requestID, intent, routeCtx, constraints, deadline)
		if err == nil {
			r.table.UpdateReliability(c.capabilityID, c.owner, c.via, true)
			r.recordDispatch("success", start)
			return Dispatch{
				RequestId:    requestID,
				TargetNodeId: c.owner,
				CapabilityId: c.capabilityID,
				ViaTransport: c.via,
				Result:       result.Result,
				AttemptChain: attempted,
			}, nil
		}

		r.table.UpdateReliability(c.capabilityID, c.owner, c.via, false)
		if KindOf(err) == KindNoCapableNode {
			// UnknownCapability: disappeared between lookup and dispatch.
			r.table.Evict(c.capabilityID, c.owner, c.via)
			continue
		}
		if KindOf(err) != KindTransient && KindOf(err) != KindPeerBusy && KindOf(err) != KindPeerUnreachable {
			r.recordDispatch("failure", start)
			return Dispatch{}, err
		}
	}

	r.recordDispatch("all_retries_failed", start)
	return Dispatch{}, Errorf(KindAllRetriesFailed, "all %d candidates failed", len(attempted))
}

// RouteAll dispatches each intent independently with its own deadline,
// routing individual failures to a backup node rather than failing the
// whole batch.
func (r *Router) RouteAll(ctx context.Context, intents []string, routeCtx map[string]string, constraints DispatchConstraints, perIntentDeadline time.Duration) []Dispatch {
	results := make([]Dispatch, len(intents))
	done := make(chan struct{}, len(intents))
	for i, intent := range intents {
		go func(i int, intent string) {
			defer func() { done <- struct{}{} }()
			deadline := time.Now().Add(perIntentDeadline)
			d, err := r.Route(ctx, intent, routeCtx, constraints, deadline)
			if err != nil {
				d = Dispatch{Result: err.Error()}
			}
			results[i] = d
		}(i, intent)
	}
	for range intents {
		<-done
	}
	return results
}

func (r *Router) tryCandidate(ctx context.Context, c candidate, requestID, intent string, routeCtx map[string]string, constraints DispatchConstraints, deadline time.Time) (IntentResponseFrame, error) {
	if c.local {
		return IntentResponseFrame{RequestId: requestID, Status: "ok", Result: "executed_locally"}, nil
	}

	hbCtx, cancel := context.WithTimeout(ctx, preDispatchHeartbeatBudget)
	defer cancel()
	if err := r.dispatch.Heartbeat(hbCtx, c.owner, time.Now().Add(preDispatchHeartbeatBudget)); err != nil {
		return IntentResponseFrame{}, Errorf(KindPeerUnreachable, "pre-dispatch heartbeat: %w", err)
	}

	req := IntentRequestFrame{
		RequestId:   requestID,
		Intent:      intent,
		Context:     routeCtx,
		Constraints: constraints,
		Deadline:    deadline.UnixMilli(),
	}
	body := req
	body.Signature = nil
	data, err := MarshalCBOR(body)
	if err != nil {
		return IntentResponseFrame{}, err
	}
	req.Signature = Sign(r.kp, data)

	resp, err := r.dispatch.Dispatch(ctx, c.owner, req, deadline)
	if err != nil {
		return IntentResponseFrame{}, err
	}
	if resp.Status == "busy" {
		return IntentResponseFrame{}, Errorf(KindPeerBusy, "remote busy")
	}
	if resp.Status == "unknown_capability" {
		return IntentResponseFrame{}, Errorf(KindNoCapableNode, "capability vanished: %s", resp.ErrorMsg)
	}
	if resp.Status != "ok" {
		return IntentResponseFrame{}, Errorf(KindTransient, "remote error: %s", resp.ErrorMsg)
	}
	return resp, nil
}

// rankCandidates implements steps 2-4-5 of section 4.8's algorithm.
func (r *Router) rankCandidates(intentVec []float64, constraints DispatchConstraints) []candidate {
	var pool []candidate

	caps := r.registry.Snapshot()
	for capID, rec := range caps {
		// The registry snapshot holds both locally-registered capabilities
		// and remote ones merged in by gossip; only the former are
		// reachable with zero hops and no transport.
		local := rec.OwnerNodeId == r.self
		hopCount := 0
		if !local {
			hopCount = 1
		}
		pool = append(pool, candidate{
			capabilityID: capID,
			owner:        rec.OwnerNodeId,
			local:        local,
			hopCount:     hopCount,
			costMult:     1.0,
			reliability:  1.0,
			embedding:    rec.Embedding,
			gpu:          rec.Constraints["gpu"] == "true",
		})
	}

	for capID, entries := range r.table.All() {
		// The RouteEntry itself carries only next-hop/cost/latency
		// metadata; the capability's embedding and advertised
		// constraints (including GPU) live in the Registry under the
		// same capability_id, merged there by the same gossip arrival
		// that populated this RouteEntry (onGossipApply applies both).
		rec, known := caps[capID]
		for _, e := range entries {
			c := candidate{
				capabilityID: capID,
				owner:        e.NextHopNodeId,
				local:        false,
				via:          e.ViaTransport,
				hopCount:     e.HopCount,
				costMult:     e.CostMultiplier,
				reliability:  e.Reliability,
				latencyMs:    e.MeasuredLatencyMs,
				storedScore:  e.Score,
			}
			if known {
				c.embedding = rec.Embedding
				c.gpu = rec.Constraints["gpu"] == "true"
			}
			pool = append(pool, c)
		}
	}

	type scored struct {
		c     candidate
		score float64
		sim   float64
	}
	var ranked []scored
	for _, c := range pool {
		if constraints.excludes(c.owner) {
			continue
		}
		if constraints.LocalOnly && !c.local {
			continue
		}
		if !c.local && constraints.MaxHops > 0 && c.hopCount > constraints.MaxHops {
			continue
		}
		if !c.local && !r.peers.IsConnected(c.owner) {
			continue
		}
		if constraints.RequireGPU && !c.gpu {
			continue
		}
		if constraints.MaxLatencyMs > 0 && c.latencyMs > 0 && c.latencyMs > constraints.MaxLatencyMs {
			continue
		}

		// similarity is cosine(intent, capability_embedding) computed at
		// query time (section 4.7); the registry carries the full
		// gossiped embedding for every capability it knows about,
		// local or remote. Only a RouteEntry whose capability hasn't
		// (yet) been merged into the registry falls back to its own
		// stale Score, the best available proxy for that narrow case.
		var sim float64
		if c.embedding != nil {
			sim = cosineSimilarity(intentVec, c.embedding)
		} else {
			sim = c.storedScore
		}
		if sim < routingSimilarityThreshold {
			continue
		}

		score := Score(sim, c.hopCount, c.costMult, c.reliability)
		if !c.local {
			if r.peers.QueueDepth(c.owner) > routingBusyQueueDepth {
				score *= routingBusyPenalty
			}
			if r.peers.Load(c.owner) > routingOverloadedLoad {
				score *= routingOverloadPenalty
			}
		}
		ranked = append(ranked, scored{c: c, score: score, sim: sim})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]candidate, len(ranked))
	for i, s := range ranked {
		out[i] = s.c
	}
	return out
}

func (r *Router) recordDispatch(outcome string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	r.metrics.DispatchLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
}
