package mesh

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// IntentExecutor runs a dispatched intent against this node's local
// capabilities and returns its textual result. Process-level
// integration with LLM/tool backends (Ollama, LlamaFarm, Matter) is an
// external collaborator out of scope for the mesh runtime; a nil
// Executor makes every inbound intent request fail with NoCapableNode.
type IntentExecutor interface {
	Execute(ctx context.Context, req IntentRequestFrame) (string, error)
}

// RuntimeConfig bundles everything needed to bring up a Runtime: this
// node's identity, the mesh it has joined, wired transport adapters,
// and the collaborators (embedder, cost sampler) the rest of the
// runtime treats as opaque.
type RuntimeConfig struct {
	Self        NodeId
	KeyPair     KeyPair
	MeshId      MeshId
	Adapters    map[TransportKind]Adapter
	// ListenAddrs gives the local bind address for each adapter that
	// accepts inbound connections (LAN, UDP). Transports without an
	// entry here are dial-only from this node (Relay is served by a
	// separate process; BLE pairing is a stub).
	ListenAddrs map[TransportKind]string
	Embedder    Embedder
	CostSampler CostSampler
	Executor    IntentExecutor // optional; nil rejects inbound intents
	SavedMeshPath string
	Metrics     *Metrics
	Logger      *slog.Logger
}

// listener is implemented by adapters that can accept inbound
// connections; LANAdapter and UDPAdapter satisfy it.
type listener interface {
	Listen(ctx context.Context, addr string, handler func(Conn)) error
}

// Runtime owns every Atmosphere component for one running node: the
// Supervisor's connection lifecycle, the GossipService's epidemic
// dissemination, the Registry's capabilities and cost, the
// RoutingTable's gradient, the Router's intent dispatch, the
// LivenessTracker's heartbeats, and the SavedMeshStore's persisted
// mesh memberships. It also implements the small collaborator
// interfaces (PeerSampler, FrameSender, PeerView, Dispatcher) those
// components need from "the rest of the runtime".
type Runtime struct {
	self    NodeId
	kp      KeyPair
	meshId  MeshId
	metrics *Metrics
	audit   *AuditLogger
	log     *slog.Logger

	adapters    map[TransportKind]Adapter
	listenAddrs map[TransportKind]string
	executor    IntentExecutor
	costSampler CostSampler

	Supervisor  *Supervisor
	Gossip      *GossipService
	Registry    *Registry
	Routing     *RoutingTable
	Router      *Router
	Liveness    *LivenessTracker
	SavedMeshes *SavedMeshStore

	connMu sync.Mutex
	conns  map[NodeId]Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime wires every component together. Start must be called to
// launch background loops.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	audit := NewAuditLogger(cfg.Logger)

	rt := &Runtime{
		self:        cfg.Self,
		kp:          cfg.KeyPair,
		meshId:      cfg.MeshId,
		metrics:     metrics,
		audit:       audit,
		log:         cfg.Logger,
		adapters:    cfg.Adapters,
		listenAddrs: cfg.ListenAddrs,
		executor:    cfg.Executor,
		costSampler: cfg.CostSampler,
		conns:       make(map[NodeId]Conn),
	}

	rt.Supervisor = NewSupervisor(cfg.Self, cfg.Adapters, metrics, audit)
	rt.SavedMeshes = NewSavedMeshStore(cfg.SavedMeshPath)

	rt.Gossip = NewGossipService(cfg.Self, rt, rt, metrics, audit, rt.lookupPublicKey, rt.onGossipApply)
	rt.Registry = NewRegistry(cfg.Self, cfg.KeyPair, cfg.Embedder, rt.Gossip, metrics)
	rt.Routing = NewRoutingTable(metrics)
	rt.Router = NewRouter(cfg.Self, cfg.KeyPair, cfg.Embedder, rt.Registry, rt.Routing, rt, rt, metrics)
	rt.Liveness = NewLivenessTracker(rt.Supervisor, metrics)

	return rt
}

// Start launches the Supervisor's probe loop, the anti-entropy loop,
// and the liveness heartbeat loop. Call once.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.ctx, rt.cancel = context.WithCancel(ctx)

	if err := rt.SavedMeshes.Load(); err != nil {
		return fmt.Errorf("load saved meshes: %w", err)
	}

	rt.Supervisor.Start(rt.ctx)

	for kind, addr := range rt.listenAddrs {
		if addr == "" {
			continue
		}
		adapter, ok := rt.adapters[kind]
		if !ok {
			continue
		}
		ln, ok := adapter.(listener)
		if !ok {
			continue
		}
		if err := ln.Listen(rt.ctx, addr, rt.handleInbound); err != nil {
			return fmt.Errorf("listen %s on %s: %w", kind, addr, err)
		}
	}

	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		rt.Gossip.RunAntiEntropy(rt.ctx, rt.pullAntiEntropy)
	}()
	go func() {
		defer rt.wg.Done()
		heartbeats := make(chan HeartbeatResult, 64)
		go rt.Liveness.Run(rt.ctx, heartbeats)
		for {
			select {
			case <-rt.ctx.Done():
				return
			case res := <-heartbeats:
				if res.Err != nil && rt.log != nil {
					rt.log.Debug("heartbeat missed", "peer", res.NodeId, "transport", res.Transport, "err", res.Err)
				}
			}
		}
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.pruneLoop()
	}()

	if rt.costSampler != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.costSampleLoop()
		}()
	}

	return nil
}

// costSampleLoop calls sample_cost every 10s and publishes the result
// via the Registry, which only gossips a fresh CostSample when it
// changes beyond hysteresis or 5 minutes have elapsed.
func (rt *Runtime) costSampleLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			peerCount := len(rt.Supervisor.Snapshot())
			if err := rt.Registry.SampleCost(rt.ctx, rt.costSampler, peerCount); err != nil && rt.log != nil {
				rt.log.Debug("cost sample failed", "err", err)
			}
		}
	}
}

// Close stops every background loop and closes open connections.
func (rt *Runtime) Close() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Supervisor.Close()
	rt.wg.Wait()

	rt.connMu.Lock()
	defer rt.connMu.Unlock()
	for id, c := range rt.conns {
		_ = c.Close()
		delete(rt.conns, id)
	}
	return nil
}

func (rt *Runtime) pruneLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case now := <-ticker.C:
			rt.Gossip.PruneTombstones(now)
			rt.Routing.DecayAndEvict(now)
		}
	}
}

// --- PeerSampler -----------------------------------------------------

// SamplePeers returns up to n connected peers at random, excluding the
// caller's own id (usually rt.self).
func (rt *Runtime) SamplePeers(n int, exclude NodeId) []NodeId {
	all := rt.Supervisor.Snapshot()
	var connected []NodeId
	for _, ps := range all {
		if ps.NodeId == exclude || ps.Liveness != LivenessConnected {
			continue
		}
		connected = append(connected, ps.NodeId)
	}
	mathrand.Shuffle(len(connected), func(i, j int) { connected[i], connected[j] = connected[j], connected[i] })
	if len(connected) > n {
		connected = connected[:n]
	}
	return connected
}

// --- FrameSender -------------------------------------------------------

// SendTo delivers frame to peer over its currently active connection,
// opening one on demand via the transport the Supervisor selected.
func (rt *Runtime) SendTo(ctx context.Context, peer NodeId, frame []byte) error {
	conn, err := rt.connFor(ctx, peer)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// --- PeerView ----------------------------------------------------------

// IsConnected reports whether id is currently reachable.
func (rt *Runtime) IsConnected(id NodeId) bool {
	ps, ok := rt.Supervisor.Peer(id)
	return ok && ps.Liveness == LivenessConnected
}

// QueueDepth reports the outstanding send queue depth for id's active
// connection. A node with no open connection has no queue to report.
func (rt *Runtime) QueueDepth(id NodeId) int {
	rt.connMu.Lock()
	defer rt.connMu.Unlock()
	if q, ok := rt.conns[id].(interface{ QueueDepth() int }); ok {
		return q.QueueDepth()
	}
	return 0
}

// Load reports id's last-gossiped CPU load sample, the router's proxy
// for "is this node busy" beyond queue depth.
func (rt *Runtime) Load(id NodeId) float64 {
	for _, env := range rt.Gossip.All(RecordCost) {
		if env.OriginNodeId != id {
			continue
		}
		var sample CostSample
		if err := UnmarshalCBOR(env.RecordBytes, &sample); err != nil {
			continue
		}
		return sample.CPULoad
	}
	return 0
}

// --- Dispatcher ----------------------------------------------------------

// Dispatch sends an IntentRequestFrame to target and waits for its
// IntentResponseFrame, bounded by deadline.
func (rt *Runtime) Dispatch(ctx context.Context, target NodeId, req IntentRequestFrame, deadline time.Time) (IntentResponseFrame, error) {
	conn, err := rt.connFor(ctx, target)
	if err != nil {
		return IntentResponseFrame{}, Errorf(KindPeerUnreachable, "dial %s: %w", target, err)
	}
	frame, err := encodeFrame(FrameIntentRequest, req)
	if err != nil {
		return IntentResponseFrame{}, err
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := conn.Send(dctx, frame); err != nil {
		return IntentResponseFrame{}, Errorf(KindPeerUnreachable, "send intent: %w", err)
	}
	raw, err := conn.Recv(dctx)
	if err != nil {
		return IntentResponseFrame{}, Errorf(KindTransient, "recv intent response: %w", err)
	}
	var resp IntentResponseFrame
	if err := UnmarshalCBOR(raw[1:], &resp); err != nil {
		return IntentResponseFrame{}, Errorf(KindBadRequest, "decode intent response: %w", err)
	}
	return resp, nil
}

// Heartbeat performs a single synchronous heartbeat round trip against
// target, used as the pre-dispatch liveness check (section 4.8 step 6).
func (rt *Runtime) Heartbeat(ctx context.Context, target NodeId, deadline time.Time) error {
	conn, err := rt.connFor(ctx, target)
	if err != nil {
		return Errorf(KindPeerUnreachable, "dial %s: %w", target, err)
	}
	frame, err := encodeFrame(FrameHeartbeat, HeartbeatFrame{})
	if err != nil {
		return err
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return conn.Send(dctx, frame)
}

// connFor returns the cached connection for id, dialing its active
// transport on demand if none is open.
func (rt *Runtime) connFor(ctx context.Context, id NodeId) (Conn, error) {
	rt.connMu.Lock()
	if c, ok := rt.conns[id]; ok {
		rt.connMu.Unlock()
		return c, nil
	}
	rt.connMu.Unlock()

	ps, ok := rt.Supervisor.Peer(id)
	if !ok || ps.ActiveTransport == "" {
		return nil, Errorf(KindPeerUnreachable, "no known reachable transport for %s", id)
	}
	adapter, ok := rt.adapters[ps.ActiveTransport]
	if !ok {
		return nil, Errorf(KindPeerUnreachable, "no adapter configured for %s", ps.ActiveTransport)
	}
	endpoints := ps.Endpoints[ps.ActiveTransport]
	if len(endpoints) == 0 {
		return nil, Errorf(KindPeerUnreachable, "no endpoint for %s via %s", id, ps.ActiveTransport)
	}

	conn, err := adapter.Open(ctx, endpoints[0], time.Now().Add(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("open %s to %s: %w", ps.ActiveTransport, id, err)
	}

	if err := rt.handshake(ctx, id, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s via %s: %w", id, ps.ActiveTransport, err)
	}

	rt.connMu.Lock()
	rt.conns[id] = conn
	rt.connMu.Unlock()
	rt.Liveness.Attach(id, conn)
	return conn, nil
}

// handshake performs the dialing side of the identity exchange
// (section 9): a fresh SessionAuth is signed and sent as a
// HandshakeFrame, and the reply is validated against peer's known
// NodeId before the connection is trusted for anything else.
func (rt *Runtime) handshake(ctx context.Context, peer NodeId, conn Conn) error {
	var nonce [16]byte
	if _, err := cryptorand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	auth := SessionAuth{NodeId: rt.self, Nonce: nonce, Timestamp: time.Now()}
	auth.Signature = Sign(rt.kp, auth.SignedBytes())

	hs := HandshakeFrame{
		NodeId:            rt.self,
		PublicKey:         rt.kp.Public,
		MeshId:            rt.meshId,
		SessionAuth:       auth,
		CapsSummaryDigest: rt.capsSummaryDigest(),
	}
	frame, err := encodeFrame(FrameHandshake, hs)
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Send(dctx, frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	raw, err := conn.Recv(dctx)
	if err != nil {
		return fmt.Errorf("recv handshake ack: %w", err)
	}
	if len(raw) == 0 || FrameKind(raw[0]) != FrameHandshakeAck {
		return fmt.Errorf("expected handshake ack frame")
	}
	var ack HandshakeAckFrame
	if err := UnmarshalCBOR(raw[1:], &ack); err != nil {
		return fmt.Errorf("decode handshake ack: %w", err)
	}
	if ack.NodeId != peer {
		return fmt.Errorf("handshake ack from %s, expected %s", ack.NodeId, peer)
	}
	if NodeIdFromPublicKey(ack.PublicKey) != ack.NodeId {
		return fmt.Errorf("handshake ack public key does not match node id")
	}
	if !Verify(ack.PublicKey, ack.SessionAuth.SignedBytes(), ack.SessionAuth.Signature) {
		return fmt.Errorf("handshake ack signature invalid")
	}

	rt.Supervisor.Learn(peer, ack.PublicKey, nil)
	return nil
}

// capsSummaryDigest hashes this node's currently published capability
// IDs and versions, so a peer's handshake can detect stale gossip
// without waiting for the next anti-entropy round.
func (rt *Runtime) capsSummaryDigest() []byte {
	caps := rt.Registry.Snapshot()
	ids := make([]string, 0, len(caps))
	for id := range caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := blake3.New()
	var verBuf [8]byte
	for _, id := range ids {
		h.Write([]byte(id))
		binary.BigEndian.PutUint64(verBuf[:], caps[id].Version)
		h.Write(verBuf[:])
	}
	return h.Sum(nil)
}

// handleInbound services one accepted connection: it completes the
// receiving half of the handshake, registers the peer as connected,
// then dispatches frames by kind until the connection fails or the
// runtime shuts down. This is the handler passed to every configured
// transport's Listen.
func (rt *Runtime) handleInbound(conn Conn) {
	peer, err := rt.acceptHandshake(rt.ctx, conn)
	if err != nil {
		if rt.log != nil {
			rt.log.Debug("inbound handshake failed", "err", err)
		}
		conn.Close()
		return
	}

	rt.connMu.Lock()
	rt.conns[peer] = conn
	rt.connMu.Unlock()
	rt.Supervisor.MarkInboundConnected(peer, conn.Transport())

	for {
		raw, err := conn.Recv(rt.ctx)
		if err != nil {
			rt.connMu.Lock()
			if rt.conns[peer] == conn {
				delete(rt.conns, peer)
			}
			rt.connMu.Unlock()
			return
		}
		rt.dispatchInbound(rt.ctx, peer, conn, raw)
	}
}

// acceptHandshake performs the accepting side of the identity exchange:
// it verifies the dialer's signature and mesh membership, learns their
// endpoint-less public key, and replies with its own signed SessionAuth.
func (rt *Runtime) acceptHandshake(ctx context.Context, conn Conn) (NodeId, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := conn.Recv(dctx)
	if err != nil {
		return NodeId{}, fmt.Errorf("recv handshake: %w", err)
	}
	if len(raw) == 0 || FrameKind(raw[0]) != FrameHandshake {
		return NodeId{}, fmt.Errorf("expected handshake frame")
	}
	var hs HandshakeFrame
	if err := UnmarshalCBOR(raw[1:], &hs); err != nil {
		return NodeId{}, fmt.Errorf("decode handshake: %w", err)
	}
	if hs.MeshId != rt.meshId {
		return NodeId{}, fmt.Errorf("handshake mesh mismatch")
	}
	if NodeIdFromPublicKey(hs.PublicKey) != hs.NodeId {
		return NodeId{}, fmt.Errorf("handshake public key does not match node id")
	}
	if !Verify(hs.PublicKey, hs.SessionAuth.SignedBytes(), hs.SessionAuth.Signature) {
		return NodeId{}, fmt.Errorf("handshake signature invalid")
	}

	rt.Supervisor.Learn(hs.NodeId, hs.PublicKey, nil)

	var nonce [16]byte
	if _, err := cryptorand.Read(nonce[:]); err != nil {
		return NodeId{}, fmt.Errorf("generate ack nonce: %w", err)
	}
	ackAuth := SessionAuth{NodeId: rt.self, Nonce: nonce, Timestamp: time.Now()}
	ackAuth.Signature = Sign(rt.kp, ackAuth.SignedBytes())
	ack := HandshakeAckFrame{NodeId: rt.self, PublicKey: rt.kp.Public, SessionAuth: ackAuth}

	frame, err := encodeFrame(FrameHandshakeAck, ack)
	if err != nil {
		return NodeId{}, err
	}
	if err := conn.Send(dctx, frame); err != nil {
		return NodeId{}, fmt.Errorf("send handshake ack: %w", err)
	}
	return hs.NodeId, nil
}

// dispatchInbound decodes one frame received on an accepted connection
// and services it according to its kind. Malformed frames are dropped
// rather than killing the connection, mirroring the gossip layer's
// tolerance of a single bad record.
func (rt *Runtime) dispatchInbound(ctx context.Context, peer NodeId, conn Conn, raw []byte) {
	if len(raw) == 0 {
		return
	}
	kind := FrameKind(raw[0])
	body := raw[1:]

	switch kind {
	case FrameHeartbeat:
		// Receipt alone is the liveness signal; the sender's RTT model
		// measures time-to-successful-Send, so no reply is expected.

	case FrameGossipEnvelope:
		var env GossipEnvelope
		if err := UnmarshalCBOR(body, &env); err != nil {
			return
		}
		rt.Gossip.Receive(ctx, env, peer)

	case FrameAntiEntropyReq:
		var req AntiEntropyReqFrame
		if err := UnmarshalCBOR(body, &req); err != nil {
			return
		}
		missing := rt.Gossip.Missing(req.Digest)
		resp, err := encodeFrame(FrameAntiEntropyResp, AntiEntropyRespFrame{MissingRecords: missing})
		if err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = conn.Send(sctx, resp)
		cancel()

	case FrameIntentRequest:
		var req IntentRequestFrame
		if err := UnmarshalCBOR(body, &req); err != nil {
			return
		}
		resp := rt.executeIntent(ctx, req)
		out, err := encodeFrame(FrameIntentResponse, resp)
		if err != nil {
			return
		}
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = conn.Send(dctx, out)
		cancel()

	case FrameRevocation:
		var rev RevocationFrame
		if err := UnmarshalCBOR(body, &rev); err != nil {
			return
		}
		rt.audit.PeerRevoked(rev.RevokedNodeId)
		rt.Supervisor.MarkDisconnected(rev.RevokedNodeId)

	default:
		if rt.log != nil {
			rt.log.Debug("inbound: unhandled frame kind", "kind", kind, "peer", peer)
		}
	}
}

// executeIntent runs req against the configured IntentExecutor. A node
// with no executor wired (headless, or a pure relay/routing hop) always
// reports NoCapableNode so the dispatching router's retry/fallback loop
// moves on to the next candidate.
func (rt *Runtime) executeIntent(ctx context.Context, req IntentRequestFrame) IntentResponseFrame {
	if rt.executor == nil {
		return IntentResponseFrame{
			RequestId: req.RequestId,
			Status:    "error",
			ErrorKind: KindNoCapableNode.String(),
			ErrorMsg:  "no intent executor configured on this node",
		}
	}
	dctx, cancel := context.WithDeadline(ctx, time.UnixMilli(req.Deadline))
	defer cancel()
	result, err := rt.executor.Execute(dctx, req)
	if err != nil {
		return IntentResponseFrame{
			RequestId: req.RequestId,
			Status:    "error",
			ErrorKind: KindTransient.String(),
			ErrorMsg:  err.Error(),
		}
	}
	return IntentResponseFrame{
		RequestId: req.RequestId,
		Status:    "ok",
		Result:    result,
	}
}

func (rt *Runtime) lookupPublicKey(id NodeId) ([]byte, bool) {
	ps, ok := rt.Supervisor.Peer(id)
	if !ok || len(ps.PublicKey) == 0 {
		return nil, false
	}
	return ps.PublicKey, true
}

// onGossipApply fans a newly-applied gossip record out to the
// component that owns its semantics. from is the peer this record was
// just received over, used by the RouteEntry gradient synthesis below.
func (rt *Runtime) onGossipApply(env *GossipEnvelope, from NodeId) {
	switch env.RecordKind {
	case RecordCapability:
		rt.Registry.ApplyRemote(*env)
		rt.upsertRouteFromGossip(env, from)
	case RecordRevoke:
		var rev RevocationFrame
		if err := UnmarshalCBOR(env.RecordBytes, &rev); err == nil {
			rt.audit.PeerRevoked(rev.RevokedNodeId)
			rt.Supervisor.MarkDisconnected(rev.RevokedNodeId)
		}
	}
}

// upsertRouteFromGossip implements section 4.7's gradient synthesis:
// on arrival of a capability record from peer P (origin or forwarder),
// derive a RouteEntry one hop and one measured RTT further than what P
// itself was advertising, then stamp env with this node's own
// hop/latency so a further forward carries a live number onward rather
// than P's. Skipped for a node's own capability gossiping back to it.
func (rt *Runtime) upsertRouteFromGossip(env *GossipEnvelope, from NodeId) {
	if env.OriginNodeId == rt.self {
		return
	}
	ps, ok := rt.Supervisor.Peer(from)
	if !ok || ps.ActiveTransport == "" {
		return
	}
	measuredRTT := 0.0
	if rtt := ps.RTT[ps.ActiveTransport]; rtt != nil {
		measuredRTT = rtt.EWMAMs
	}

	var rec CapabilityRecord
	if err := UnmarshalCBOR(env.RecordBytes, &rec); err != nil {
		return
	}

	costMult := 1.0
	for _, costEnv := range rt.Gossip.All(RecordCost) {
		if costEnv.OriginNodeId != env.OriginNodeId {
			continue
		}
		var sample CostSample
		if err := UnmarshalCBOR(costEnv.RecordBytes, &sample); err == nil {
			costMult = CostMultiplier(sample)
		}
		break
	}

	rt.Routing.Upsert(rec.CapabilityId, from, ps.ActiveTransport, env.AdvertisedHopCount, measuredRTT, env.AdvertisedLatencyMs, costMult, 1.0)

	env.AdvertisedHopCount++
	env.AdvertisedLatencyMs += measuredRTT
}

// pullAntiEntropy performs one digest exchange round trip against peer
// over its active connection, used by GossipService.RunAntiEntropy.
func (rt *Runtime) pullAntiEntropy(ctx context.Context, peer NodeId, digest map[string]uint64) ([]GossipEnvelope, error) {
	conn, err := rt.connFor(ctx, peer)
	if err != nil {
		return nil, err
	}
	frame, err := encodeFrame(FrameAntiEntropyReq, AntiEntropyReqFrame{Digest: digest})
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Send(dctx, frame); err != nil {
		return nil, err
	}
	raw, err := conn.Recv(dctx)
	if err != nil {
		return nil, err
	}
	var resp AntiEntropyRespFrame
	if err := UnmarshalCBOR(raw[1:], &resp); err != nil {
		return nil, err
	}
	return resp.MissingRecords, nil
}
