package mesh

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	gossipPushFanout     = 3
	gossipForwardFanout  = gossipPushFanout - 1
	gossipAntiEntropyEvery = 60 * time.Second
	gossipTombstoneTTL   = 24 * time.Hour
	gossipDedupCapacity  = 100_000
	gossipUnknownOriginBuffer = 30 * time.Second
)

// ttlHops computes the initial hop budget for a freshly originated
// record: ceil(log2(peerCount)) + 2, floored at 4 (section 5.1).
func ttlHops(peerCount int) int {
	if peerCount < 1 {
		peerCount = 1
	}
	h := int(math.Ceil(math.Log2(float64(peerCount)))) + 2
	if h < 4 {
		return 4
	}
	return h
}

// PeerSampler returns a random sample of up to n live peer NodeIds,
// excluding self, for gossip fanout. The Supervisor is the production
// implementation; tests substitute a fixed list.
type PeerSampler interface {
	SamplePeers(n int, exclude NodeId) []NodeId
}

// FrameSender delivers an already-framed gossip envelope to a peer.
// The Supervisor's active Conn for a peer is the production
// implementation.
type FrameSender interface {
	SendTo(ctx context.Context, peer NodeId, frame []byte) error
}

// gossipRecord is one stored envelope plus bookkeeping for tombstone
// expiry and anti-entropy digesting.
type gossipRecord struct {
	envelope  GossipEnvelope
	storedAt  time.Time
	tombstone bool
}

// dedupLRU is a bounded, single-mutex LRU set of DedupKeys already
// seen, preventing unbounded growth under sustained gossip traffic
// (section 5.1: "a bounded recently-seen set, not an ever-growing log").
type dedupLRU struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[DedupKey]*list.Element
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{capacity: capacity, ll: list.New(), index: make(map[DedupKey]*list.Element)}
}

// seen reports whether key was already recorded, recording it if not.
func (d *dedupLRU) seen(key DedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.index[key]; ok {
		d.ll.MoveToFront(el)
		return true
	}
	el := d.ll.PushFront(key)
	d.index[key] = el
	if d.ll.Len() > d.capacity {
		oldest := d.ll.Back()
		if oldest != nil {
			d.ll.Remove(oldest)
			delete(d.index, oldest.Value.(DedupKey))
		}
	}
	return false
}

// GossipService implements epidemic dissemination of capability, cost,
// route, revocation, and liveness records: push on origination,
// forward on first receipt, anti-entropy pull to catch missed pushes.
type GossipService struct {
	self    NodeId
	sampler PeerSampler
	sender  FrameSender
	metrics *Metrics // nil-safe
	audit   *AuditLogger

	// verifyOrigin resolves a node's current public key, for signature
	// checks. Returns ok=false for not-yet-known origins.
	verifyOrigin func(NodeId) (pub []byte, ok bool)

	mu       sync.RWMutex
	records  map[DedupKey]*gossipRecord
	dedup    *dedupLRU
	pending  map[DedupKey][]pendingEnvelope // unknown-origin buffer

	// onApply is invoked once per newly-applied record with the peer
	// that delivered it (the record's own origin for a direct push, or
	// an intermediate forwarder), so callers can derive next-hop
	// routing facts (section 4.7) in addition to applying the record
	// itself. onApply may mutate the envelope's AdvertisedHopCount and
	// AdvertisedLatencyMs fields in place before this hop forwards it
	// onward, so downstream peers see a gradient derived from the
	// current hop's own distance rather than a stale copy of the
	// previous hop's.
	onApply func(env *GossipEnvelope, from NodeId)
}

type pendingEnvelope struct {
	envelope   GossipEnvelope
	from       NodeId
	bufferedAt time.Time
}

// NewGossipService creates a GossipService.
func NewGossipService(self NodeId, sampler PeerSampler, sender FrameSender, metrics *Metrics, audit *AuditLogger, verifyOrigin func(NodeId) ([]byte, bool), onApply func(env *GossipEnvelope, from NodeId)) *GossipService {
	return &GossipService{
		self:         self,
		sampler:      sampler,
		sender:       sender,
		metrics:      metrics,
		audit:        audit,
		verifyOrigin: verifyOrigin,
		records:      make(map[DedupKey]*gossipRecord),
		dedup:        newDedupLRU(gossipDedupCapacity),
		pending:      make(map[DedupKey][]pendingEnvelope),
		onApply:      onApply,
	}
}

// Originate pushes a newly-created local record to gossipPushFanout
// random peers, with a fresh ttl_hops budget derived from the current
// peer count.
func (g *GossipService) Originate(ctx context.Context, env GossipEnvelope, peerCount int) {
	env.TTLHops = ttlHops(peerCount)
	g.storeIfNewer(env)
	g.push(ctx, env, gossipPushFanout)
}

// Receive processes an inbound envelope from the wire, delivered by
// peer from (the node we read this frame from, which may be the
// record's origin or an intermediate forwarder): verifies the origin
// signature (buffering briefly if the origin is not yet known),
// applies it if newer than what's held, and forwards it onward if this
// was the first time it was seen and ttl_hops remains.
func (g *GossipService) Receive(ctx context.Context, env GossipEnvelope, from NodeId) {
	pub, known := g.verifyOrigin(env.OriginNodeId)
	if !known {
		g.bufferUnknownOrigin(env, from)
		return
	}

	key := env.Key()
	if g.dedup.seen(key) {
		if g.metrics != nil {
			g.metrics.GossipDedupDrops.Inc()
		}
		return
	}
	if !Verify(pub, signedGossipBytes(env), env.OriginSignature) {
		if g.audit != nil {
			g.audit.SignatureRejected(env.RecordKind, env.OriginNodeId, "gossip envelope signature invalid")
		}
		return
	}

	applied := g.storeIfNewer(env)
	if applied && g.onApply != nil {
		g.onApply(&env, from)
	}
	if g.metrics != nil {
		g.metrics.GossipPushTotal.WithLabelValues(string(env.RecordKind)).Inc()
	}

	if env.TTLHops > 1 {
		forwarded := env
		forwarded.TTLHops--
		g.push(ctx, forwarded, gossipForwardFanout)
	}
}

// bufferUnknownOrigin holds an envelope from an origin whose public
// key this node hasn't gossiped yet, for up to
// gossipUnknownOriginBuffer before dropping it (section 5.1: avoids
// dropping valid records that race ahead of their origin's handshake
// record).
func (g *GossipService) bufferUnknownOrigin(env GossipEnvelope, from NodeId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := env.Key()
	g.pending[key] = append(g.pending[key], pendingEnvelope{envelope: env, from: from, bufferedAt: time.Now()})
}

// RetryBuffered re-attempts verification for any envelopes buffered
// under unresolved origins, dropping entries older than
// gossipUnknownOriginBuffer. Call periodically (e.g. alongside
// anti-entropy) and whenever a new origin's public key becomes known.
func (g *GossipService) RetryBuffered(ctx context.Context) {
	g.mu.Lock()
	now := time.Now()
	ready := make(map[DedupKey][]pendingEnvelope)
	for key, list := range g.pending {
		var keep []pendingEnvelope
		for _, pe := range list {
			if now.Sub(pe.bufferedAt) > gossipUnknownOriginBuffer {
				continue
			}
			keep = append(keep, pe)
		}
		if len(keep) == 0 {
			delete(g.pending, key)
		} else {
			g.pending[key] = keep
			ready[key] = keep
		}
	}
	g.mu.Unlock()

	for _, list := range ready {
		for _, pe := range list {
			if pub, known := g.verifyOrigin(pe.envelope.OriginNodeId); known {
				if Verify(pub, signedGossipBytes(pe.envelope), pe.envelope.OriginSignature) {
					g.Receive(ctx, pe.envelope, pe.from)
				}
			}
		}
	}
}

// push sends env to up to n randomly sampled peers.
func (g *GossipService) push(ctx context.Context, env GossipEnvelope, n int) {
	peers := g.sampler.SamplePeers(n, g.self)
	frame, err := encodeFrame(FrameGossipEnvelope, env)
	if err != nil {
		return
	}
	for _, p := range peers {
		_ = g.sender.SendTo(ctx, p, frame)
	}
	if g.metrics != nil {
		g.metrics.GossipPushTotal.WithLabelValues(string(env.RecordKind)).Inc()
	}
}

// storeIfNewer applies the merge rule: a record replaces what's held
// only if its origin_version is strictly higher, or equal with a
// greater signature (byte-compared), so the record held in the end
// does not depend on the order in which copies arrive.
func (g *GossipService) storeIfNewer(env GossipEnvelope) bool {
	key := env.Key()
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.records[key]
	if ok && !gossipWins(env, existing.envelope) {
		return false
	}
	g.records[key] = &gossipRecord{
		envelope:  env,
		storedAt:  time.Now(),
		tombstone: env.RecordKind == RecordRevoke,
	}
	if g.metrics != nil {
		g.metrics.GossipRecordsHeld.WithLabelValues(string(env.RecordKind)).Set(float64(len(g.records)))
	}
	return true
}

// gossipWins reports whether candidate should replace current under
// the deterministic merge rule.
func gossipWins(candidate, current GossipEnvelope) bool {
	if candidate.OriginVersion != current.OriginVersion {
		return candidate.OriginVersion > current.OriginVersion
	}
	return compareBytes(candidate.OriginSignature, current.OriginSignature) > 0
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// signedGossipBytes returns the bytes an origin signs: everything
// except the signature fields themselves, so witnesses can append
// co-signatures without invalidating the origin's signature. TTLHops,
// AdvertisedHopCount, and AdvertisedLatencyMs are also excluded since
// every hop along the forward path mutates them in place; only the
// origin's claims about the record itself are authenticated.
func signedGossipBytes(env GossipEnvelope) []byte {
	env.OriginSignature = nil
	env.WitnessSignatures = nil
	env.TTLHops = 0
	env.AdvertisedHopCount = 0
	env.AdvertisedLatencyMs = 0
	b, err := MarshalCBOR(env)
	if err != nil {
		return nil
	}
	return b
}

// Digest builds the per-(kind,origin,record) highest-version digest
// this node holds, for anti-entropy exchange. Keys are blake3-hashed
// to fixed-width strings so they transmit compactly in
// AntiEntropyReqFrame's map[string]uint64.
func (g *GossipService) Digest() map[string]uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	digest := make(map[string]uint64, len(g.records))
	for key, rec := range g.records {
		digest[digestKeyHash(DigestKey{Kind: key.Kind, Origin: key.Origin, Record: key.Record})] = rec.envelope.OriginVersion
	}
	return digest
}

func digestKeyHash(k DigestKey) string {
	h := blake3.New()
	h.Write([]byte(k.Kind))
	h.Write(k.Origin[:])
	h.Write([]byte(k.Record))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Missing returns every locally-held envelope whose digest key is
// absent from theirDigest or held at a lower version there, for an
// AntiEntropyRespFrame.
func (g *GossipService) Missing(theirDigest map[string]uint64) []GossipEnvelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GossipEnvelope
	for key, rec := range g.records {
		h := digestKeyHash(DigestKey{Kind: key.Kind, Origin: key.Origin, Record: key.Record})
		if theirVersion, ok := theirDigest[h]; !ok || theirVersion < rec.envelope.OriginVersion {
			out = append(out, rec.envelope)
		}
	}
	return out
}

// RunAntiEntropy periodically pulls a digest exchange against a random
// peer and applies whatever it's missing, until ctx is cancelled.
func (g *GossipService) RunAntiEntropy(ctx context.Context, pullFrom func(ctx context.Context, peer NodeId, digest map[string]uint64) ([]GossipEnvelope, error)) {
	ticker := time.NewTicker(gossipAntiEntropyEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RetryBuffered(ctx)
			peers := g.sampler.SamplePeers(1, g.self)
			if len(peers) == 0 {
				continue
			}
			missing, err := pullFrom(ctx, peers[0], g.Digest())
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			if g.metrics != nil {
				g.metrics.GossipPullTotal.WithLabelValues(outcome).Inc()
			}
			if err != nil {
				continue
			}
			for _, env := range missing {
				g.Receive(ctx, env, peers[0])
			}
		}
	}
}

// PruneTombstones removes revocation tombstones older than
// gossipTombstoneTTL, once replication has had time to converge
// (section 5.1: "tombstones are retained 24h then dropped").
func (g *GossipService) PruneTombstones(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, rec := range g.records {
		if rec.tombstone && now.Sub(rec.storedAt) > gossipTombstoneTTL {
			delete(g.records, key)
		}
	}
}

// Get returns the currently held envelope for key, if any.
func (g *GossipService) Get(key DedupKey) (GossipEnvelope, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[key]
	if !ok {
		return GossipEnvelope{}, false
	}
	return rec.envelope, true
}

// All returns every held envelope of a given kind, for the registry
// and routing layers to rebuild their views from.
func (g *GossipService) All(kind RecordKind) []GossipEnvelope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []GossipEnvelope
	for key, rec := range g.records {
		if key.Kind == kind {
			out = append(out, rec.envelope)
		}
	}
	return out
}
