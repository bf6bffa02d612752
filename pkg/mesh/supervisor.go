package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const peerShardCount = 16

// peerShard is one lock-striped bucket of the supervisor's peer table,
// grounded on PeerManager's single-mutex peer map but split across
// shards so a busy peer in one shard never blocks lookups in another.
type peerShard struct {
	mu    sync.RWMutex
	peers map[NodeId]*PeerState
}

func shardFor(id NodeId) int {
	return int(id[0]) % peerShardCount
}

const (
	supervisorBackoffBase = 1 * time.Second
	supervisorBackoffMax  = 60 * time.Second
	supervisorProbeEvery  = 15 * time.Second
)

// TransportSwitchEvent is emitted whenever a peer's ActiveTransport
// changes, so the gossip and router layers can replay pending work.
type TransportSwitchEvent struct {
	NodeId NodeId
	Old    TransportKind
	New    TransportKind
}

// Supervisor owns connection lifecycle for every known peer: probing
// candidate endpoints in priority order (LAN, UDP, Relay, BLE),
// selecting the best reachable transport, and reconnecting with
// exponential backoff when a peer drops.
type Supervisor struct {
	self     NodeId
	metrics  *Metrics // nil-safe
	audit    *AuditLogger

	adapters map[TransportKind]Adapter
	shards   [peerShardCount]*peerShard

	switches chan TransportSwitchEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor. adapters need not cover all four
// TransportKinds; only configured kinds are probed.
func NewSupervisor(self NodeId, adapters map[TransportKind]Adapter, metrics *Metrics, audit *AuditLogger) *Supervisor {
	s := &Supervisor{
		self:     self,
		metrics:  metrics,
		audit:    audit,
		adapters: adapters,
		switches: make(chan TransportSwitchEvent, 256),
	}
	for i := range s.shards {
		s.shards[i] = &peerShard{peers: make(map[NodeId]*PeerState)}
	}
	return s
}

// Switches returns the channel on which TransportSwitchEvents are
// published. Callers (gossip, router) should drain it promptly; it is
// buffered but not unbounded.
func (s *Supervisor) Switches() <-chan TransportSwitchEvent { return s.switches }

// Start launches the background probe loop. Call once.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.probeLoop()
}

// Close stops the probe loop and waits for it to exit.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Learn registers or updates a peer's known endpoints, without
// altering its current liveness or active transport.
func (s *Supervisor) Learn(id NodeId, pub []byte, endpoints map[TransportKind][]Endpoint) {
	shard := s.shards[shardFor(id)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ps, ok := shard.peers[id]
	if !ok {
		ps = &PeerState{
			NodeId:            id,
			Endpoints:         make(map[TransportKind][]Endpoint),
			RTT:               make(map[TransportKind]*TransportRTT),
			LastHeartbeatSent: make(map[TransportKind]time.Time),
			LastHeartbeatRecv: make(map[TransportKind]time.Time),
			MissedHeartbeats:  make(map[TransportKind]int),
			Liveness:          LivenessUnknown,
		}
		shard.peers[id] = ps
	}
	if len(pub) > 0 {
		ps.PublicKey = append([]byte(nil), pub...)
	}
	for kind, eps := range endpoints {
		ps.Endpoints[kind] = eps
	}
}

// Peer returns a copy of the known state for id, if any.
func (s *Supervisor) Peer(id NodeId) (PeerState, bool) {
	shard := s.shards[shardFor(id)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ps, ok := shard.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return *ps, true
}

// Snapshot returns a point-in-time copy of every known peer, for the
// status CLI and the router's candidate enumeration.
func (s *Supervisor) Snapshot() []PeerState {
	var out []PeerState
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, ps := range shard.peers {
			out = append(out, *ps)
		}
		shard.mu.RUnlock()
	}
	return out
}

// probeLoop periodically probes every known peer not currently
// connected and past backoff, selecting the highest-priority reachable
// transport.
func (s *Supervisor) probeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(supervisorProbeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runProbeCycle()
		}
	}
}

func (s *Supervisor) runProbeCycle() {
	now := time.Now()
	var targets []NodeId
	for _, shard := range s.shards {
		shard.mu.RLock()
		for id, ps := range shard.peers {
			if ps.Liveness == LivenessConnected {
				continue
			}
			if now.Before(ps.BackoffUntil) {
				continue
			}
			targets = append(targets, id)
		}
		shard.mu.RUnlock()
	}

	for _, id := range targets {
		s.wg.Add(1)
		go func(id NodeId) {
			defer s.wg.Done()
			s.probeAndSelect(id)
		}(id)
	}
}

// candidateTransports returns the transport kinds configured on this
// Supervisor, sorted by the spec's static priority order.
func (s *Supervisor) candidateTransports() []TransportKind {
	kinds := make([]TransportKind, 0, len(s.adapters))
	for k := range s.adapters {
		kinds = append(kinds, k)
	}
	for i := 1; i < len(kinds); i++ {
		for j := i; j > 0 && kinds[j].Priority() < kinds[j-1].Priority(); j-- {
			kinds[j], kinds[j-1] = kinds[j-1], kinds[j]
		}
	}
	return kinds
}

// probeAndSelect tries each configured transport in priority order
// against id's known endpoints, selecting the first reachable one.
func (s *Supervisor) probeAndSelect(id NodeId) {
	shard := s.shards[shardFor(id)]
	shard.mu.RLock()
	ps, ok := shard.peers[id]
	if !ok {
		shard.mu.RUnlock()
		return
	}
	endpoints := make(map[TransportKind][]Endpoint, len(ps.Endpoints))
	for k, v := range ps.Endpoints {
		endpoints[k] = v
	}
	oldTransport := ps.ActiveTransport
	shard.mu.RUnlock()

	deadline := time.Now().Add(5 * time.Second)
	for _, kind := range s.candidateTransports() {
		adapter, ok := s.adapters[kind]
		if !ok {
			continue
		}
		eps := endpoints[kind]
		if len(eps) == 0 {
			continue
		}
		for _, ep := range eps {
			res, err := adapter.Probe(s.ctx, ep, deadline)
			if err != nil || !res.Reachable {
				continue
			}
			s.markConnected(id, kind, res.RTT, oldTransport)
			return
		}
	}
	s.markFailed(id)
}

func (s *Supervisor) markConnected(id NodeId, kind TransportKind, rtt time.Duration, old TransportKind) {
	shard := s.shards[shardFor(id)]
	shard.mu.Lock()
	ps, ok := shard.peers[id]
	if !ok {
		shard.mu.Unlock()
		return
	}
	ps.Liveness = LivenessConnected
	ps.ActiveTransport = kind
	ps.ConsecFailures = 0
	ps.BackoffUntil = time.Time{}
	if ps.RTT[kind] == nil {
		ps.RTT[kind] = &TransportRTT{}
	}
	ps.RTT[kind].EWMAMs = float64(rtt.Milliseconds())
	ps.RTT[kind].LastProbeAt = time.Now()
	ps.RTT[kind].LastOK = true
	shard.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectedPeers.WithLabelValues(string(kind)).Inc()
	}
	if old != "" && old != kind {
		if s.metrics != nil {
			s.metrics.TransportSwitchTotal.WithLabelValues(string(old), string(kind)).Inc()
		}
		select {
		case s.switches <- TransportSwitchEvent{NodeId: id, Old: old, New: kind}:
		default:
			slog.Warn("supervisor: transport switch channel full, dropping event", "peer", id)
		}
	}
}

// MarkInboundConnected records a peer as connected over kind because it
// just completed an inbound handshake, bypassing the probe cycle that
// normally gates markConnected. There is no RTT sample for an accepted
// connection, so the transport's RTT tracker is left untouched until the
// next probe or heartbeat round fills one in.
func (s *Supervisor) MarkInboundConnected(id NodeId, kind TransportKind) {
	shard := s.shards[shardFor(id)]
	shard.mu.Lock()
	ps, ok := shard.peers[id]
	if !ok {
		ps = &PeerState{
			NodeId:            id,
			Endpoints:         make(map[TransportKind][]Endpoint),
			RTT:               make(map[TransportKind]*TransportRTT),
			LastHeartbeatSent: make(map[TransportKind]time.Time),
			LastHeartbeatRecv: make(map[TransportKind]time.Time),
			MissedHeartbeats:  make(map[TransportKind]int),
		}
		shard.peers[id] = ps
	}
	old := ps.ActiveTransport
	ps.Liveness = LivenessConnected
	ps.ActiveTransport = kind
	ps.ConsecFailures = 0
	ps.BackoffUntil = time.Time{}
	ps.SuspectSince = time.Time{}
	shard.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectedPeers.WithLabelValues(string(kind)).Inc()
	}
	if old != "" && old != kind {
		if s.metrics != nil {
			s.metrics.TransportSwitchTotal.WithLabelValues(string(old), string(kind)).Inc()
		}
		select {
		case s.switches <- TransportSwitchEvent{NodeId: id, Old: old, New: kind}:
		default:
			slog.Warn("supervisor: transport switch channel full, dropping event", "peer", id)
		}
	}
}

func (s *Supervisor) markFailed(id NodeId) {
	shard := s.shards[shardFor(id)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ps, ok := shard.peers[id]
	if !ok {
		return
	}
	ps.Liveness = LivenessSuspect
	if ps.SuspectSince.IsZero() {
		ps.SuspectSince = time.Now()
	}
	ps.ConsecFailures++

	backoff := supervisorBackoffBase
	for i := 0; i < ps.ConsecFailures && backoff < supervisorBackoffMax; i++ {
		backoff *= 2
	}
	if backoff > supervisorBackoffMax {
		backoff = supervisorBackoffMax
	}
	ps.BackoffUntil = time.Now().Add(backoff)
}

// MarkDisconnected transitions a peer to Suspect immediately,
// triggered by the liveness tracker missing consecutive heartbeats.
// A peer already Dead stays Dead.
func (s *Supervisor) MarkDisconnected(id NodeId) {
	shard := s.shards[shardFor(id)]
	shard.mu.Lock()
	ps, ok := shard.peers[id]
	if ok {
		old := ps.ActiveTransport
		if ps.Liveness != LivenessDead {
			ps.Liveness = LivenessSuspect
		}
		if ps.SuspectSince.IsZero() {
			ps.SuspectSince = time.Now()
		}
		shard.mu.Unlock()
		if s.metrics != nil && old != "" {
			s.metrics.ConnectedPeers.WithLabelValues(string(old)).Dec()
		}
		return
	}
	shard.mu.Unlock()
}
