package mesh

import (
	"context"
	"time"
)

// ProbeResult is the outcome of a cheap liveness check against an endpoint.
type ProbeResult struct {
	Reachable bool
	RTT       time.Duration
}

// Conn is an open, framed connection produced by an Adapter. Adapters
// that preserve order (LAN, Relay) guarantee FIFO delivery of frames
// written with Send; adapters that do not (UDP, BLE) may deliver
// frames out of order and callers above this layer must tolerate it
// (section 4.3).
type Conn interface {
	// Send writes one frame (already length-prefixed and CBOR-encoded
	// by the wire layer) at-most-once.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks for the next frame, or returns an error (including
	// io.EOF-equivalent) once the connection is closed.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases resources. Idempotent.
	Close() error
	// Transport identifies which adapter produced this Conn, for
	// tagging outbound frames with via_transport.
	Transport() TransportKind
}

// Adapter is the uniform capability set every transport kind exposes
// (section 4.3): probe, open, send/recv (via Conn), close.
type Adapter interface {
	Kind() TransportKind
	// MaxFrameBytes is the adapter's payload ceiling before
	// fragmentation is required above this layer.
	MaxFrameBytes() int
	// Probe performs a cheap liveness check with no side effects beyond
	// a single round trip.
	Probe(ctx context.Context, ep Endpoint, deadline time.Time) (ProbeResult, error)
	// Open establishes a connection to ep.
	Open(ctx context.Context, ep Endpoint, deadline time.Time) (Conn, error)
}

// frameBudget returns the max payload size for a transport kind, per
// section 4.3: 1 MiB for LAN/Relay, 4 KiB for hole-punched UDP
// (fragmented above that), 220 B for BLE.
func frameBudget(kind TransportKind) int {
	switch kind {
	case TransportLAN, TransportRelay:
		return 1 << 20
	case TransportUDP:
		return 4096
	case TransportBLE:
		return 220
	default:
		return 4096
	}
}
