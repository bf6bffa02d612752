package mesh

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// probeHTTPHealth performs a lightweight GET against a relay's /health
// endpoint, treating any 2xx response as reachable.
func probeHTTPHealth(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RelayConn wraps a WebSocket connection to a rendezvous relay. The
// relay forwards binary frames verbatim between the two clients
// sharing a session_id (section 6); framing above the WebSocket
// payload is identical to LAN's length-prefixed CBOR.
type RelayConn struct {
	ws     *websocket.Conn
	sendMu sync.Mutex
}

func (c *RelayConn) Transport() TransportKind { return TransportRelay }

// Send serializes writers with sendMu: gorilla/websocket permits only
// one concurrent writer per connection, and a dispatch reply can race
// a caller-issued SendTo on the same accepted connection.
func (c *RelayConn) Send(ctx context.Context, frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *RelayConn) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *RelayConn) Close() error { return c.ws.Close() }

// RelayAdapter dials the relay server's WebSocket rendezvous endpoint.
type RelayAdapter struct {
	metrics *Metrics // nil-safe
	dialer  *websocket.Dialer
}

// NewRelayAdapter creates a RelayAdapter. metrics is optional.
func NewRelayAdapter(metrics *Metrics) *RelayAdapter {
	return &RelayAdapter{metrics: metrics, dialer: websocket.DefaultDialer}
}

func (a *RelayAdapter) Kind() TransportKind { return TransportRelay }
func (a *RelayAdapter) MaxFrameBytes() int  { return frameBudget(TransportRelay) }

func (a *RelayAdapter) relayURL(ep Endpoint) (string, error) {
	u, err := url.Parse(ep.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url %q: %w", ep.RelayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/relay/%s", ep.SessionID)
	return u.String(), nil
}

func (a *RelayAdapter) Probe(ctx context.Context, ep Endpoint, deadline time.Time) (ProbeResult, error) {
	healthURL, err := a.healthURL(ep)
	if err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ok := probeHTTPHealth(hctx, healthURL)
	a.recordProbe(ok)
	return ProbeResult{Reachable: ok, RTT: time.Since(start)}, nil
}

func (a *RelayAdapter) healthURL(ep Endpoint) (string, error) {
	u, err := url.Parse(ep.RelayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"
	return u.String(), nil
}

func (a *RelayAdapter) Open(ctx context.Context, ep Endpoint, deadline time.Time) (Conn, error) {
	start := time.Now()
	target, err := a.relayURL(ep)
	if err != nil {
		return nil, Errorf(KindBadRequest, "relay endpoint: %w", err)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ws, _, err := a.dialer.DialContext(dctx, target, nil)
	a.recordDial(err == nil, time.Since(start))
	if err != nil {
		return nil, Errorf(KindPeerUnreachable, "relay dial %s: %w", target, err)
	}
	return &RelayConn{ws: ws}, nil
}

func (a *RelayAdapter) recordProbe(ok bool) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.ProbeTotal.WithLabelValues(string(TransportRelay), outcome).Inc()
}

func (a *RelayAdapter) recordDial(ok bool, d time.Duration) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	a.metrics.TransportDialTotal.WithLabelValues(string(TransportRelay), outcome).Inc()
	a.metrics.TransportDialDurationMs.WithLabelValues(string(TransportRelay)).Observe(float64(d.Milliseconds()))
}
