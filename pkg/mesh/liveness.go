package mesh

import (
	"context"
	"time"
)

// heartbeatEWMAAlpha is the smoothing factor for the per-transport RTT
// EWMA (section 5's liveness model): new = alpha*sample + (1-alpha)*old.
const heartbeatEWMAAlpha = 0.2

const (
	heartbeatInterval       = 10 * time.Second
	heartbeatMissThreshold  = 3 // consecutive misses before Suspect
	heartbeatDeadThreshold  = 6 // consecutive misses before Dead
)

// HeartbeatResult is one liveness probe outcome, streamed on a channel
// in the style of PingPeer so callers can observe results incrementally.
type HeartbeatResult struct {
	NodeId    NodeId
	Transport TransportKind
	RTT       time.Duration
	Err       error
}

// LivenessTracker runs periodic heartbeats over each peer's active
// connection and derives Suspect/Dead transitions from consecutive
// misses, publishing state changes back through the Supervisor.
type LivenessTracker struct {
	supervisor *Supervisor
	metrics    *Metrics // nil-safe

	conns map[NodeId]Conn    // active connections, keyed by peer; set by caller via Attach
	seq   map[NodeId]uint64  // last heartbeat sequence sent per peer
}

// NewLivenessTracker creates a LivenessTracker bound to a Supervisor.
func NewLivenessTracker(supervisor *Supervisor, metrics *Metrics) *LivenessTracker {
	return &LivenessTracker{
		supervisor: supervisor,
		metrics:    metrics,
		conns:      make(map[NodeId]Conn),
		seq:        make(map[NodeId]uint64),
	}
}

// Attach registers the live Conn a peer is currently reachable over,
// so heartbeats are sent on the connection the supervisor selected.
func (lt *LivenessTracker) Attach(id NodeId, conn Conn) {
	lt.conns[id] = conn
}

// Detach removes a peer's connection, e.g. after Close or a transport switch.
func (lt *LivenessTracker) Detach(id NodeId) {
	delete(lt.conns, id)
}

// Run starts the heartbeat loop, sending to ch as each result arrives
// until ctx is cancelled. Run blocks; call it in its own goroutine.
func (lt *LivenessTracker) Run(ctx context.Context, ch chan<- HeartbeatResult) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, conn := range lt.conns {
				res := lt.beat(ctx, id, conn)
				select {
				case ch <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (lt *LivenessTracker) beat(ctx context.Context, id NodeId, conn Conn) HeartbeatResult {
	transport := conn.Transport()
	start := time.Now()

	lt.seq[id]++
	frame, err := encodeFrame(FrameHeartbeat, HeartbeatFrame{Sequence: lt.seq[id]})
	if err != nil {
		return HeartbeatResult{NodeId: id, Transport: transport, Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.Send(dctx, frame); err != nil {
		lt.recordMiss(id, transport)
		return HeartbeatResult{NodeId: id, Transport: transport, Err: err}
	}

	rtt := time.Since(start)
	lt.recordSuccess(id, transport, rtt)
	return HeartbeatResult{NodeId: id, Transport: transport, RTT: rtt}
}

func (lt *LivenessTracker) recordSuccess(id NodeId, transport TransportKind, rtt time.Duration) {
	ps, ok := lt.supervisor.Peer(id)
	if !ok {
		return
	}
	shard := lt.supervisor.shards[shardFor(id)]
	shard.mu.Lock()
	live := shard.peers[id]
	if live != nil {
		if live.RTT[transport] == nil {
			live.RTT[transport] = &TransportRTT{EWMAMs: float64(rtt.Milliseconds())}
		} else {
			prev := live.RTT[transport].EWMAMs
			live.RTT[transport].EWMAMs = heartbeatEWMAAlpha*float64(rtt.Milliseconds()) + (1-heartbeatEWMAAlpha)*prev
		}
		live.RTT[transport].LastProbeAt = time.Now()
		live.RTT[transport].LastOK = true
		live.LastHeartbeatRecv[transport] = time.Now()
		live.MissedHeartbeats[transport] = 0
		if live.Liveness == LivenessSuspect {
			live.Liveness = LivenessConnected
			live.SuspectSince = time.Time{}
		}
	}
	shard.mu.Unlock()
	_ = ps

	if lt.metrics != nil {
		lt.metrics.HeartbeatRTTMs.WithLabelValues(string(transport)).Observe(float64(rtt.Milliseconds()))
	}
}

func (lt *LivenessTracker) recordMiss(id NodeId, transport TransportKind) {
	shard := lt.supervisor.shards[shardFor(id)]
	shard.mu.Lock()
	live := shard.peers[id]
	var becameDead bool
	if live != nil {
		live.MissedHeartbeats[transport]++
		missed := live.MissedHeartbeats[transport]
		if missed >= heartbeatDeadThreshold {
			live.Liveness = LivenessDead
			becameDead = true
		} else if missed >= heartbeatMissThreshold {
			live.Liveness = LivenessSuspect
			if live.SuspectSince.IsZero() {
				live.SuspectSince = time.Now()
			}
		}
	}
	shard.mu.Unlock()

	if lt.metrics != nil {
		lt.metrics.HeartbeatMissed.WithLabelValues(string(transport)).Inc()
	}
	if becameDead {
		lt.supervisor.MarkDisconnected(id)
		lt.Detach(id)
	}
}

// encodeFrame is a small helper wrapping wire.go's MarshalCBOR with
// the discriminator byte prefix every Conn.Send expects.
func encodeFrame(kind FrameKind, payload any) ([]byte, error) {
	body, err := MarshalCBOR(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}
