package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// lanServiceName is the mDNS/DNS-SD service type this node advertises
// and browses for, grounded on the teacher's "_shurli._udp" LAN
// discovery service naming convention.
const lanServiceName = "_atmosphere._tcp"

// LANConn wraps a plain TCP stream with Atmosphere's length-prefixed
// CBOR framing (section 4.3: LAN preserves order, max frame 1 MiB).
type LANConn struct {
	conn   net.Conn
	sendMu sync.Mutex
}

func (c *LANConn) Transport() TransportKind { return TransportLAN }

// Send writes frame (a kind byte followed by its CBOR body, as
// produced by encodeFrame) with the same u32-length prefix ReadFrame
// expects on the receiving side. sendMu keeps the length prefix and
// body together on the wire when a dispatch reply and a caller-issued
// SendTo land on the same connection from different goroutines.
func (c *LANConn) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *LANConn) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	kind, body, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

func (c *LANConn) Close() error { return c.conn.Close() }

// LANAdapter dials and listens for plain TCP connections on the local
// network, with peer discovery via mDNS/DNS-SD (zeroconf), grounded on
// pkg/p2pnet/mdns.go's browse/register pattern but without libp2p's
// host/peerstore types: discovery here only resolves an Endpoint, the
// adapter's own Open does the dialing.
type LANAdapter struct {
	metrics *Metrics // nil-safe

	server *zeroconf.Server
}

// NewLANAdapter creates a LANAdapter. metrics is optional.
func NewLANAdapter(metrics *Metrics) *LANAdapter {
	return &LANAdapter{metrics: metrics}
}

func (a *LANAdapter) Kind() TransportKind  { return TransportLAN }
func (a *LANAdapter) MaxFrameBytes() int   { return frameBudget(TransportLAN) }

// Advertise registers this node on the local network via mDNS so peers
// can discover it by NodeId without a prior endpoint exchange.
func (a *LANAdapter) Advertise(nodeID NodeId, port int) error {
	instance := nodeID.String()
	srv, err := zeroconf.Register(instance, lanServiceName, "local.", port, nil, nil)
	if err != nil {
		return fmt.Errorf("mdns advertise: %w", err)
	}
	a.server = srv
	return nil
}

// StopAdvertising unregisters the mDNS service, if running.
func (a *LANAdapter) StopAdvertising() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse resolves the current set of LAN endpoints advertising the
// Atmosphere service, for use by the supervisor when no cached
// endpoint is yet known for a peer.
func (a *LANAdapter) Browse(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	var found []Endpoint
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			for _, ip := range entry.AddrIPv4 {
				found = append(found, Endpoint{Kind: TransportLAN, Host: ip.String(), Port: uint16(entry.Port)})
			}
		}
	}()
	if err := resolver.Browse(ctx, lanServiceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return found, nil
}

func (a *LANAdapter) Probe(ctx context.Context, ep Endpoint, deadline time.Time) (ProbeResult, error) {
	start := time.Now()
	d := net.Dialer{}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	a.recordProbe(err == nil)
	if err != nil {
		return ProbeResult{Reachable: false}, nil
	}
	defer conn.Close()
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (a *LANAdapter) Open(ctx context.Context, ep Endpoint, deadline time.Time) (Conn, error) {
	start := time.Now()
	d := net.Dialer{}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	a.recordDial(err == nil, time.Since(start))
	if err != nil {
		return nil, Errorf(KindPeerUnreachable, "lan dial %s: %w", ep, err)
	}
	return &LANConn{conn: conn}, nil
}

// Listen starts accepting inbound LAN connections on addr, handing
// each accepted Conn to handler in its own goroutine until ctx is done.
func (a *LANAdapter) Listen(ctx context.Context, addr string, handler func(Conn)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("lan listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(&LANConn{conn: conn})
		}
	}()
	return nil
}

func (a *LANAdapter) recordProbe(ok bool) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.ProbeTotal.WithLabelValues(string(TransportLAN), outcome).Inc()
}

func (a *LANAdapter) recordDial(ok bool, d time.Duration) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.TransportDialTotal.WithLabelValues(string(TransportLAN), outcome).Inc()
	a.metrics.TransportDialDurationMs.WithLabelValues(string(TransportLAN)).Observe(float64(d.Milliseconds()))
}
