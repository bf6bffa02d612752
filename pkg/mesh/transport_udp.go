package mesh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// udpMaxFrame matches section 4.3: hole-punched UDP fragments payloads
// above 4 KiB at the sender and reassembles by (msg_id, chunk_idx, total).
const udpMaxFrame = 4096

// QUIC mandates TLS for its handshake. Atmosphere's trust model is
// signatures-only (Non-goals: no payload confidentiality guarantee is
// promised to callers), so the adapter uses an ephemeral, unverified
// certificate purely to satisfy QUIC's transport requirement, not to
// provide any security property above what section 3's signed records
// already provide.
var udpTLSConfig = func() *tls.Config {
	cert := generateEphemeralCert()
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"atmosphere-udp/1"},
	}
}()

func generateEphemeralCert() tls.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return cert
}

// UDPConn wraps a single QUIC stream. Fragmentation is handled below
// this type (fragmentAndSend / reassembler), so Send/Recv here still
// speak whole logical frames.
type UDPConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	reassembler *fragmentReassembler
	sendMu      sync.Mutex
}

func (c *UDPConn) Transport() TransportKind { return TransportUDP }

// Send serializes fragment writes: a frame above udpMaxFrame goes out
// as several stream writes, which two concurrent callers could
// otherwise interleave into a single corrupted reassembly on the peer.
func (c *UDPConn) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return fragmentAndSend(ctx, c.stream, frame)
}

func (c *UDPConn) Recv(ctx context.Context) ([]byte, error) {
	return c.reassembler.next(ctx, c.stream)
}

func (c *UDPConn) Close() error {
	c.stream.CancelWrite(0)
	return c.conn.CloseWithError(0, "")
}

// UDPAdapter implements the hole-punched Public/UDP transport on top
// of QUIC, which provides the per-fragment retransmission and
// multiplexing the spec requires above raw UDP sockets.
type UDPAdapter struct {
	metrics *Metrics // nil-safe

	mu       sync.Mutex
	listener *quic.Listener
}

// NewUDPAdapter creates a UDPAdapter. metrics is optional.
func NewUDPAdapter(metrics *Metrics) *UDPAdapter {
	return &UDPAdapter{metrics: metrics}
}

func (a *UDPAdapter) Kind() TransportKind { return TransportUDP }
func (a *UDPAdapter) MaxFrameBytes() int  { return frameBudget(TransportUDP) }

func (a *UDPAdapter) addr(ep Endpoint) string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}

func (a *UDPAdapter) Probe(ctx context.Context, ep Endpoint, deadline time.Time) (ProbeResult, error) {
	start := time.Now()
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := quic.DialAddr(dctx, a.addr(ep), udpTLSConfig, nil)
	ok := err == nil
	a.recordProbe(ok)
	if err != nil {
		return ProbeResult{Reachable: false}, nil
	}
	_ = conn.CloseWithError(0, "")
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (a *UDPAdapter) Open(ctx context.Context, ep Endpoint, deadline time.Time) (Conn, error) {
	start := time.Now()
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := quic.DialAddr(dctx, a.addr(ep), udpTLSConfig, nil)
	if err != nil {
		a.recordDial(false, time.Since(start))
		return nil, Errorf(KindPeerUnreachable, "udp(quic) dial %s: %w", a.addr(ep), err)
	}
	stream, err := conn.OpenStreamSync(dctx)
	a.recordDial(err == nil, time.Since(start))
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, Errorf(KindPeerUnreachable, "udp(quic) open stream: %w", err)
	}
	return &UDPConn{conn: conn, stream: stream, reassembler: newFragmentReassembler()}, nil
}

// Listen accepts inbound QUIC connections and their first stream,
// handing each resulting Conn to handler until ctx is done.
func (a *UDPAdapter) Listen(ctx context.Context, addr string, handler func(Conn)) error {
	ln, err := quic.ListenAddr(addr, udpTLSConfig, nil)
	if err != nil {
		return fmt.Errorf("udp(quic) listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					_ = conn.CloseWithError(0, "")
					return
				}
				handler(&UDPConn{conn: conn, stream: stream, reassembler: newFragmentReassembler()})
			}()
		}
	}()
	return nil
}

func (a *UDPAdapter) recordProbe(ok bool) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.ProbeTotal.WithLabelValues(string(TransportUDP), outcome).Inc()
}

func (a *UDPAdapter) recordDial(ok bool, d time.Duration) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.TransportDialTotal.WithLabelValues(string(TransportUDP), outcome).Inc()
	a.metrics.TransportDialDurationMs.WithLabelValues(string(TransportUDP)).Observe(float64(d.Milliseconds()))
}

// --- fragmentation, shared with the BLE adapter's smaller budget ---

// fragmentHeader precedes every fragment: msgID (8B), chunkIdx (2B),
// total (2B), payload length (2B).
const fragmentHeaderSize = 14

func fragmentAndSend(ctx context.Context, w interface{ Write([]byte) (int, error) }, frame []byte) error {
	return fragmentAndSendWithBudget(ctx, w, frame, udpMaxFrame)
}

func fragmentAndSendWithBudget(ctx context.Context, w interface{ Write([]byte) (int, error) }, frame []byte, budget int) error {
	chunkPayload := budget - fragmentHeaderSize
	if chunkPayload <= 0 {
		return fmt.Errorf("fragment budget %d too small for header", budget)
	}
	total := (len(frame) + chunkPayload - 1) / chunkPayload
	if total == 0 {
		total = 1
	}
	msgID := newMsgID()

	for i := 0; i < total; i++ {
		start := i * chunkPayload
		end := start + chunkPayload
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[start:end]

		buf := make([]byte, fragmentHeaderSize+len(chunk))
		binary.BigEndian.PutUint64(buf[0:8], msgID)
		binary.BigEndian.PutUint16(buf[8:10], uint16(i))
		binary.BigEndian.PutUint16(buf[10:12], uint16(total))
		binary.BigEndian.PutUint16(buf[12:14], uint16(len(chunk)))
		copy(buf[14:], chunk)

		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

var msgIDCounter struct {
	mu sync.Mutex
	n  uint64
}

// newMsgID returns a process-unique fragment group id. A counter
// (rather than random bytes) keeps reassembly deterministic in tests.
func newMsgID() uint64 {
	msgIDCounter.mu.Lock()
	defer msgIDCounter.mu.Unlock()
	msgIDCounter.n++
	return msgIDCounter.n
}

// fragmentReassembler reconstructs whole frames from a stream of
// fragments that may arrive out of order (section 4.3: "the core must
// tolerate out-of-order frames above the transport").
type fragmentReassembler struct {
	mu      sync.Mutex
	pending map[uint64]*partialMessage
}

type partialMessage struct {
	total   int
	have    int
	chunks  map[int][]byte
}

func newFragmentReassembler() *fragmentReassembler {
	return &fragmentReassembler{pending: make(map[uint64]*partialMessage)}
}

type byteReader interface {
	Read([]byte) (int, error)
}

// next reads fragments from r until one complete message is
// reassembled, returning it in original order.
func (f *fragmentReassembler) next(ctx context.Context, r byteReader) ([]byte, error) {
	for {
		header := make([]byte, fragmentHeaderSize)
		if _, err := readFull(r, header); err != nil {
			return nil, err
		}
		msgID := binary.BigEndian.Uint64(header[0:8])
		idx := int(binary.BigEndian.Uint16(header[8:10]))
		total := int(binary.BigEndian.Uint16(header[10:12]))
		length := int(binary.BigEndian.Uint16(header[12:14]))

		chunk := make([]byte, length)
		if length > 0 {
			if _, err := readFull(r, chunk); err != nil {
				return nil, err
			}
		}

		if total <= 1 {
			return chunk, nil
		}

		f.mu.Lock()
		pm, ok := f.pending[msgID]
		if !ok {
			pm = &partialMessage{total: total, chunks: make(map[int][]byte)}
			f.pending[msgID] = pm
		}
		if _, dup := pm.chunks[idx]; !dup {
			pm.chunks[idx] = chunk
			pm.have++
		}
		complete := pm.have == pm.total
		if complete {
			delete(f.pending, msgID)
		}
		f.mu.Unlock()

		if complete {
			out := make([]byte, 0, pm.total*len(chunk))
			for i := 0; i < pm.total; i++ {
				out = append(out, pm.chunks[i]...)
			}
			return out, nil
		}
		// incomplete: loop and read the next fragment.
	}
}

func readFull(r byteReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
