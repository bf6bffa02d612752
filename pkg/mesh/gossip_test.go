package mesh

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSender captures every frame sent, keyed by destination peer,
// for assertions about fanout without a real transport.
type recordingSender struct {
	mu   sync.Mutex
	sent map[NodeId]int
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[NodeId]int)}
}

func (s *recordingSender) SendTo(ctx context.Context, peer NodeId, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[peer]++
	return nil
}

func (s *recordingSender) count(peer NodeId) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[peer]
}

// fixedPeerSampler always returns (up to n of) the same configured
// peer list, for deterministic fanout assertions.
type fixedPeerSampler struct {
	peers []NodeId
}

func (f fixedPeerSampler) SamplePeers(n int, exclude NodeId) []NodeId {
	var out []NodeId
	for _, p := range f.peers {
		if p == exclude {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

func newTestNodeId(b byte) NodeId {
	var id NodeId
	id[0] = b
	return id
}

func newTestGossip(self NodeId, peers []NodeId, sender FrameSender, verify func(NodeId) ([]byte, bool), onApply func(*GossipEnvelope, NodeId)) *GossipService {
	return NewGossipService(self, fixedPeerSampler{peers: peers}, sender, nil, nil, verify, onApply)
}

func signedTestEnvelope(kp KeyPair, origin NodeId, kind RecordKind, recordID string, version uint64, ttl int) GossipEnvelope {
	env := GossipEnvelope{
		RecordKind:    kind,
		RecordBytes:   []byte("payload"),
		OriginNodeId:  origin,
		OriginVersion: version,
		TTLHops:       ttl,
		RecordId:      recordID,
	}
	env.OriginSignature = Sign(kp, signedGossipBytes(env))
	return env
}

func TestGossipService_OriginateStoresAndPushes(t *testing.T) {
	kp, self, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	peerA, peerB := newTestNodeId(1), newTestNodeId(2)
	sender := newRecordingSender()
	g := newTestGossip(self, []NodeId{peerA, peerB}, sender, func(NodeId) ([]byte, bool) { return nil, false }, nil)

	env := signedTestEnvelope(kp, self, RecordCost, "", 1, 0)
	g.Originate(context.Background(), env, 5)

	stored, ok := g.Get(env.Key())
	if !ok {
		t.Fatal("expected the originated record to be stored")
	}
	if stored.TTLHops < 4 {
		t.Fatalf("ttl_hops = %d, want >= 4 (ttlHops floors at 4)", stored.TTLHops)
	}
	if sender.count(peerA) != 1 || sender.count(peerB) != 1 {
		t.Fatalf("expected exactly one push to each sampled peer, got %d/%d", sender.count(peerA), sender.count(peerB))
	}
}

func TestGossipService_ReceiveAppliesNewerAndForwards(t *testing.T) {
	originKP, origin, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	self := newTestNodeId(9)
	peerA := newTestNodeId(1)
	sender := newRecordingSender()

	var applied []GossipEnvelope
	g := newTestGossip(self, []NodeId{peerA}, sender,
		func(id NodeId) ([]byte, bool) {
			if id == origin {
				return originKP.Public, true
			}
			return nil, false
		},
		func(env *GossipEnvelope, from NodeId) { applied = append(applied, *env) },
	)

	env := signedTestEnvelope(originKP, origin, RecordCapability, "cap-1", 1, 4)
	g.Receive(context.Background(), env, peerA)

	if len(applied) != 1 {
		t.Fatalf("expected onApply to fire once, got %d", len(applied))
	}
	if sender.count(peerA) != 1 {
		t.Fatalf("expected the record to be forwarded once, got %d sends", sender.count(peerA))
	}
}

func TestGossipService_ReceiveDropsDuplicates(t *testing.T) {
	originKP, origin, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	self := newTestNodeId(9)
	sender := newRecordingSender()
	var applyCount int
	g := newTestGossip(self, nil, sender,
		func(NodeId) ([]byte, bool) { return originKP.Public, true },
		func(*GossipEnvelope, NodeId) { applyCount++ },
	)

	env := signedTestEnvelope(originKP, origin, RecordCapability, "cap-1", 1, 4)
	g.Receive(context.Background(), env, origin)
	g.Receive(context.Background(), env, origin)

	if applyCount != 1 {
		t.Fatalf("expected a duplicate envelope to be deduplicated, applied %d times", applyCount)
	}
}

func TestGossipService_ReceiveBuffersUnknownOriginThenAppliesOnRetry(t *testing.T) {
	originKP, origin, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	self := newTestNodeId(9)
	sender := newRecordingSender()

	known := false
	var applyCount int
	g := newTestGossip(self, nil, sender,
		func(NodeId) ([]byte, bool) {
			if known {
				return originKP.Public, true
			}
			return nil, false
		},
		func(*GossipEnvelope, NodeId) { applyCount++ },
	)

	env := signedTestEnvelope(originKP, origin, RecordCost, "", 1, 4)
	g.Receive(context.Background(), env, origin)
	if applyCount != 0 {
		t.Fatal("an envelope from an unknown origin should not be applied immediately")
	}

	known = true
	g.RetryBuffered(context.Background())
	if applyCount != 1 {
		t.Fatalf("expected the buffered envelope to apply once the origin became known, applyCount=%d", applyCount)
	}
}

func TestGossipService_ReceiveRejectsBadSignature(t *testing.T) {
	originKP, origin, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	self := newTestNodeId(9)
	sender := newRecordingSender()
	var applyCount int
	g := newTestGossip(self, nil, sender,
		func(NodeId) ([]byte, bool) { return originKP.Public, true },
		func(*GossipEnvelope, NodeId) { applyCount++ },
	)

	env := signedTestEnvelope(originKP, origin, RecordCost, "", 1, 4)
	env.RecordBytes = []byte("tampered")
	g.Receive(context.Background(), env, origin)

	if applyCount != 0 {
		t.Fatal("a tampered envelope should be rejected, not applied")
	}
}

func TestGossipWins_HigherVersionWins(t *testing.T) {
	low := GossipEnvelope{OriginVersion: 1, OriginSignature: []byte{0xFF}}
	high := GossipEnvelope{OriginVersion: 2, OriginSignature: []byte{0x00}}
	if !gossipWins(high, low) {
		t.Fatal("a higher origin_version should win regardless of signature bytes")
	}
	if gossipWins(low, high) {
		t.Fatal("a lower origin_version should never win")
	}
}

func TestGossipWins_EqualVersionTiebreaksOnSignatureBytes(t *testing.T) {
	a := GossipEnvelope{OriginVersion: 1, OriginSignature: []byte{0x01}}
	b := GossipEnvelope{OriginVersion: 1, OriginSignature: []byte{0x02}}
	if !gossipWins(b, a) {
		t.Fatal("at equal version, the envelope with the greater signature bytes should win")
	}
	if gossipWins(a, b) {
		t.Fatal("at equal version, the envelope with the lesser signature bytes should not win")
	}
}

func TestGossipService_DigestAndMissing(t *testing.T) {
	kp, self, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	g := newTestGossip(self, nil, newRecordingSender(), func(NodeId) ([]byte, bool) { return nil, false }, nil)

	env := signedTestEnvelope(kp, self, RecordCost, "", 3, 4)
	g.Originate(context.Background(), env, 5)

	empty := map[string]uint64{}
	missing := g.Missing(empty)
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing record against an empty digest, got %d", len(missing))
	}

	digest := g.Digest()
	if len(digest) != 1 {
		t.Fatalf("expected 1 digest entry, got %d", len(digest))
	}
	if len(g.Missing(digest)) != 0 {
		t.Fatal("a peer holding the same digest should have nothing missing")
	}
}

func TestGossipService_PruneTombstones(t *testing.T) {
	kp, self, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	g := newTestGossip(self, nil, newRecordingSender(), func(NodeId) ([]byte, bool) { return nil, false }, nil)

	env := signedTestEnvelope(kp, self, RecordRevoke, "cap-1", 1, 4)
	g.Originate(context.Background(), env, 3)

	if _, ok := g.Get(env.Key()); !ok {
		t.Fatal("expected the tombstone to be stored")
	}

	g.PruneTombstones(time.Now().Add(gossipTombstoneTTL + time.Minute))
	if _, ok := g.Get(env.Key()); ok {
		t.Fatal("expected the tombstone to be pruned after its TTL elapsed")
	}
}

func TestTTLHops_FloorsAtFour(t *testing.T) {
	if got := ttlHops(1); got != 4 {
		t.Fatalf("ttlHops(1) = %d, want 4", got)
	}
	if got := ttlHops(0); got != 4 {
		t.Fatalf("ttlHops(0) = %d, want 4 (floor applies even for a non-positive peer count)", got)
	}
}

func TestTTLHops_GrowsWithPeerCount(t *testing.T) {
	if ttlHops(1000) <= ttlHops(4) {
		t.Fatalf("ttlHops should grow with peer count: ttlHops(1000)=%d ttlHops(4)=%d", ttlHops(1000), ttlHops(4))
	}
}

func TestDedupLRU_EvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupLRU(2)
	k1 := DedupKey{Kind: RecordCost, Record: "a"}
	k2 := DedupKey{Kind: RecordCost, Record: "b"}
	k3 := DedupKey{Kind: RecordCost, Record: "c"}

	if d.seen(k1) {
		t.Fatal("k1 should not be seen the first time")
	}
	if d.seen(k2) {
		t.Fatal("k2 should not be seen the first time")
	}
	d.seen(k3) // evicts k1, the least recently used

	if d.seen(k1) {
		t.Fatal("k1 was evicted, seeing it again should record it as new, not seen")
	}
}
