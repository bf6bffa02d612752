// Package mesh implements the Atmosphere mesh runtime: identity and
// invites, transport adapters, connection supervision, gossip, the
// capability and cost registry, the gradient routing table, the intent
// router, the saved-mesh store, and liveness tracking.
package mesh

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// EmbeddingDim is the fixed dimensionality of capability and intent
// embeddings produced by the external embedding function.
const EmbeddingDim = 384

// NodeId is a 16-byte identifier derived from a node's public key and
// stable for the process lifetime.
type NodeId [16]byte

func (id NodeId) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value (no identity assigned).
func (id NodeId) IsZero() bool { return id == NodeId{} }

// NodeIdFromHex parses a lowercase-hex-encoded NodeId.
func NodeIdFromHex(s string) (NodeId, error) {
	var id NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("node id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MeshId is an 8-byte identifier generated by a mesh's founder, stable
// for the mesh's lifetime.
type MeshId [8]byte

func (id MeshId) String() string { return hex.EncodeToString(id[:]) }

// MeshIdFromHex parses a lowercase-hex-encoded MeshId.
func MeshIdFromHex(s string) (MeshId, error) {
	var id MeshId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("mesh id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("mesh id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// KeyPair holds Ed25519 identity key material. A node's identity is its
// public key; its NodeId is the first 16 bytes of SHA-256(public key).
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// TransportKind enumerates the four transport adapter kinds.
type TransportKind string

const (
	TransportLAN   TransportKind = "lan"
	TransportUDP   TransportKind = "udp"
	TransportRelay TransportKind = "relay"
	TransportBLE   TransportKind = "ble"
)

// priority order fixed by spec.md section 4.4: LAN -> Public/UDP -> Relay -> BLE.
var transportPriority = map[TransportKind]int{
	TransportLAN:   0,
	TransportUDP:   1,
	TransportRelay: 2,
	TransportBLE:   3,
}

// Priority returns the static selection priority for t; lower is preferred.
func (t TransportKind) Priority() int {
	if p, ok := transportPriority[t]; ok {
		return p
	}
	return len(transportPriority)
}

// Endpoint is a tagged address, not a connection.
type Endpoint struct {
	Kind TransportKind

	// LAN / Public(UDP)
	Host string
	Port uint16

	// Relay
	RelayURL  string
	SessionID string

	// BLE
	MAC string
}

func (e Endpoint) String() string {
	switch e.Kind {
	case TransportLAN:
		if addr, err := hostPortMultiaddr(e.Host, e.Port, "tcp"); err == nil {
			return addr
		}
		return fmt.Sprintf("/ip4-or-name/%s/tcp/%d", e.Host, e.Port)
	case TransportUDP:
		if addr, err := hostPortMultiaddr(e.Host, e.Port, "udp"); err == nil {
			return addr + "/quic-v1"
		}
		return fmt.Sprintf("/ip4-or-name/%s/udp/%d/quic-v1", e.Host, e.Port)
	case TransportRelay:
		return fmt.Sprintf("/relay%s/session/%s", e.RelayURL, e.SessionID)
	case TransportBLE:
		return fmt.Sprintf("/ble/%s", e.MAC)
	default:
		return "/unknown"
	}
}

// hostPortMultiaddr builds a canonical multiaddr for a (host, port)
// pair over proto, choosing the ip4/ip6/dns component per whether host
// parses as a literal address. Endpoints recovered from mDNS or a
// relay-exchanged address list almost always parse; hostnames that
// don't (e.g. a bare ".local" short name with no resolver configured)
// fall back to the adapter's own human-readable format.
func hostPortMultiaddr(host string, port uint16, proto string) (string, error) {
	family := "dns"
	if ip := net.ParseIP(host); ip != nil {
		family = "ip4"
		if ip.To4() == nil {
			family = "ip6"
		}
	}
	m, err := multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d", family, host, proto, port))
	if err != nil {
		return "", err
	}
	return m.String(), nil
}

// CapabilityType enumerates the CapabilityRecord type tags.
type CapabilityType string

const (
	CapabilityLLM        CapabilityType = "llm"
	CapabilityEmbeddings CapabilityType = "embeddings"
	CapabilityVision     CapabilityType = "vision"
	CapabilitySensor     CapabilityType = "sensor"
	CapabilityTool       CapabilityType = "tool"
	CapabilityRAG        CapabilityType = "rag"
	CapabilityCustom     CapabilityType = "custom"
)

// InviteToken is a signed, offline-verifiable record granting
// membership in a mesh. Nonce is deliberately not part of the signed
// body; replay protection for live connections is layered on top via
// SessionAuth (see section 10 of SPEC_FULL.md).
type InviteToken struct {
	MeshId             MeshId
	MeshPublicKey      ed25519.PublicKey
	IssuerNodeId       NodeId
	CapabilitiesGranted []string
	Endpoints          []Endpoint
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Signature          []byte
}

// SessionAuth is a per-connection envelope proving possession of a
// node's private key for a specific (nonce, timestamp) pair.
type SessionAuth struct {
	NodeId    NodeId
	Nonce     [16]byte
	Timestamp time.Time
	Signature []byte
}

// SignedBytes returns the canonical bytes signed in a SessionAuth:
// nonce concatenated with the big-endian unix-nano timestamp.
func (s SessionAuth) SignedBytes() []byte {
	buf := make([]byte, 0, len(s.Nonce)+8)
	buf = append(buf, s.Nonce[:]...)
	ts := uint64(s.Timestamp.UnixNano())
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(ts>>(8*uint(i))))
	}
	return buf
}

// CapabilityRecord is a self-describing, versioned, signed declaration
// that a node can perform work matching its embedded description.
type CapabilityRecord struct {
	CapabilityId string
	OwnerNodeId  NodeId
	TypeTag      CapabilityType
	Description  string
	Embedding    []float64 // len == EmbeddingDim
	Tools        []string
	Constraints  map[string]string
	Version      uint64
	UpdatedAt    time.Time
	Signature    []byte
}

// IsTombstone reports whether r represents a deletion (empty tool list
// published as a new version).
func (r CapabilityRecord) IsTombstone() bool { return len(r.Tools) == 0 && r.Description == "" }

// CostSample is a signed, self-reported snapshot of a node's resource
// pressure, used to derive a deterministic cost multiplier.
type CostSample struct {
	NodeId          NodeId
	PluggedIn       bool
	BatteryPercent  float64 // 0..100
	CPULoad         float64 // 0..1
	GPULoad         float64 // 0..1
	MemoryPercent   float64 // 0..100
	NetworkMetered  bool
	SampledAt       time.Time
	Signature       []byte
}

// RouteEntry is a ranked, derived fact about how to reach a capability
// via a next hop peer.
type RouteEntry struct {
	CapabilityId     string
	NextHopNodeId    NodeId
	ViaTransport     TransportKind
	HopCount         int
	MeasuredLatencyMs float64
	CostMultiplier   float64
	Reliability      float64 // 0..1, EWMA
	LastUpdated      time.Time
	Score            float64 // stale approximation, used only for top-K retention
}

// RecordKind enumerates gossiped record kinds.
type RecordKind string

const (
	RecordCapability RecordKind = "cap"
	RecordCost       RecordKind = "cost"
	RecordRoute      RecordKind = "route"
	RecordRevoke     RecordKind = "revoke"
	RecordLiveness   RecordKind = "liveness"
)

// GossipEnvelope wraps a record for epidemic dissemination.
type GossipEnvelope struct {
	RecordKind      RecordKind
	RecordBytes     []byte
	OriginNodeId    NodeId
	OriginVersion   uint64
	TTLHops         int
	OriginSignature []byte
	WitnessSignatures [][]byte

	// RecordId disambiguates multiple records of the same kind from the
	// same origin (e.g. distinct capability_ids); empty for per-node
	// singleton kinds (cost, revoke, liveness).
	RecordId string

	// AdvertisedHopCount and AdvertisedLatencyMs carry the sending
	// hop's own distance-to-origin, zero at Originate and refreshed by
	// onGossipApply to this hop's own values before forwarding, so the
	// next hop's RouteEntry synthesis (section 4.7) builds on a live
	// number rather than the record's origin-time zero.
	AdvertisedHopCount  int
	AdvertisedLatencyMs float64
}

// DedupKey identifies an envelope for gossip deduplication.
type DedupKey struct {
	Kind    RecordKind
	Origin  NodeId
	Record  string
	Version uint64
}

// Key returns the deduplication key for e.
func (e GossipEnvelope) Key() DedupKey {
	return DedupKey{Kind: e.RecordKind, Origin: e.OriginNodeId, Record: e.RecordId, Version: e.OriginVersion}
}

// DigestKey identifies the highest known version for a (kind, origin)
// pair during anti-entropy digest exchange.
type DigestKey struct {
	Kind   RecordKind
	Origin NodeId
	Record string
}

// LivenessState enumerates a peer's observed liveness.
type LivenessState int

const (
	LivenessUnknown LivenessState = iota
	LivenessProbing
	LivenessConnected
	LivenessSuspect
	LivenessDead
)

func (s LivenessState) String() string {
	switch s {
	case LivenessUnknown:
		return "Unknown"
	case LivenessProbing:
		return "Probing"
	case LivenessConnected:
		return "Connected"
	case LivenessSuspect:
		return "Suspect"
	case LivenessDead:
		return "Dead"
	default:
		return "Invalid"
	}
}

// TransportRTT tracks a per-transport RTT EWMA.
type TransportRTT struct {
	EWMAMs      float64
	LastProbeAt time.Time
	LastOK      bool
}

// PeerState is everything known locally about a remote peer.
type PeerState struct {
	NodeId         NodeId
	PublicKey      ed25519.PublicKey
	Endpoints      map[TransportKind][]Endpoint
	ActiveTransport TransportKind
	RTT            map[TransportKind]*TransportRTT
	Liveness       LivenessState
	SuspectSince   time.Time

	// heartbeat bookkeeping per transport.
	LastHeartbeatSent map[TransportKind]time.Time
	LastHeartbeatRecv map[TransportKind]time.Time
	MissedHeartbeats  map[TransportKind]int

	ConsecFailures int
	BackoffUntil   time.Time
}

// SavedMesh is a persisted record of a mesh the node has joined.
type SavedMesh struct {
	MeshId        MeshId
	MeshName      string
	MeshPublicKey ed25519.PublicKey
	FounderNodeId NodeId
	RelayToken    string
	Endpoints     []Endpoint
	JoinedAt      time.Time
	LastConnected time.Time
	AutoReconnect bool
}
