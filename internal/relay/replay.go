// Package relay implements the standalone rendezvous server: a
// WebSocket server that pairs exactly two clients sharing a session_id
// and forwards binary frames between them verbatim (spec.md section 6),
// plus the nonce-replay bookkeeping spec.md section 3 requires of that
// pairing.
package relay

import (
	"sync"
	"time"

	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// nonceTTL bounds how long a nonce is remembered, so the map does not
// grow for the life of the process. SessionAuth embeds a timestamp, but
// handshake verification in pkg/mesh/runtime.go checks only its
// signature, not its age; a nonce unused for longer than nonceTTL is
// forgotten and accepted again from any node_id.
const nonceTTL = 10 * time.Minute

type nonceEntry struct {
	nodeID NodeId
	seenAt time.Time
}

// NodeId aliases mesh.NodeId so callers outside this package never need
// to import pkg/mesh just to construct a ReplayGuard key.
type NodeId = mesh.NodeId

// ReplayGuard tracks which node_id most recently presented each nonce,
// grounded on the teacher's TokenStore: an in-memory, mutex-protected,
// TTL'd record that is consulted and updated atomically on every check.
//
// Unlike TokenStore's one-shot "use and burn" tokens, a SessionAuth
// nonce is keyed to its node_id rather than single-use: spec.md section
// 3 requires that "a relay accepts the same nonce from the same
// node_id (reconnect) but rejects it from a different node_id," so a
// node reconnecting after a crash with the same nonce must still pass.
type ReplayGuard struct {
	mu      sync.Mutex
	seen    map[[16]byte]nonceEntry
	lastGC  time.Time
}

// NewReplayGuard creates an empty ReplayGuard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[[16]byte]nonceEntry)}
}

// Accept reports whether nonce may be used by nodeID. An unseen nonce
// is accepted and recorded. A nonce seen before from the same nodeID is
// accepted (reconnect). A nonce seen before from a different nodeID is
// rejected: spec.md's ReplayMismatch case, a concurrent connection
// attempt by an impostor holding a stolen invite token.
func (g *ReplayGuard) Accept(nodeID NodeId, nonce [16]byte) bool {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gcLocked(now)

	entry, ok := g.seen[nonce]
	if !ok {
		g.seen[nonce] = nonceEntry{nodeID: nodeID, seenAt: now}
		return true
	}
	if entry.nodeID != nodeID {
		return false
	}
	entry.seenAt = now
	g.seen[nonce] = entry
	return true
}

// gcLocked drops entries older than nonceTTL. Called with mu held, and
// throttled to once per TTL window so a busy relay doesn't walk the
// whole map on every Accept call.
func (g *ReplayGuard) gcLocked(now time.Time) {
	if now.Sub(g.lastGC) < nonceTTL {
		return
	}
	g.lastGC = now
	for nonce, entry := range g.seen {
		if now.Sub(entry.seenAt) > nonceTTL {
			delete(g.seen, nonce)
		}
	}
}

// Count returns the number of nonces currently tracked, for metrics.
func (g *ReplayGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
