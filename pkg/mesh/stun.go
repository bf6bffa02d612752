package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// STUNResult is the outcome of a successful Discover call.
type STUNResult struct {
	Public Endpoint
	Server string
	RTT    time.Duration
}

type stunCacheEntry struct {
	result STUNResult
	at     time.Time
}

// STUNClient discovers this node's public (host, port) mapping via a
// single-shot Binding Request/Response exchange, per section 4.2.
// Message construction and attribute parsing are delegated to
// pion/stun/v3; the retry schedule, dual-window caching, and
// multi-server fallback are Atmosphere's own, grounded on
// stunprober.go's probe/cache/backoff shape.
type STUNClient struct {
	metrics *Metrics // nil-safe

	mu    sync.Mutex
	cache *stunCacheEntry
}

// NewSTUNClient creates a STUNClient. metrics is optional.
func NewSTUNClient(metrics *Metrics) *STUNClient {
	return &STUNClient{metrics: metrics}
}

const (
	stunFreshCacheTTL     = 10 * time.Minute
	stunStaleCacheTTL     = 30 * time.Minute
	stunBaseBackoff       = 250 * time.Millisecond
	stunMaxAttempts       = 3
	stunPerAttemptTimeout = 1 * time.Second
)

// Discover performs a STUN Binding Request/Response exchange against
// servers in order, retrying each with exponential backoff (base
// 250ms, x2, up to 3 attempts) before moving to the next server. A
// fresh cache entry (<10 min) is returned without any network I/O; a
// failed fresh attempt falls back to a stale cache entry (<30 min).
func (c *STUNClient) Discover(ctx context.Context, servers []string, localPort int) (STUNResult, error) {
	c.mu.Lock()
	if c.cache != nil && time.Since(c.cache.at) < stunFreshCacheTTL {
		res := c.cache.result
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	var lastErr error
	for _, server := range servers {
		res, err := c.probeServer(ctx, server, localPort)
		if err == nil {
			c.mu.Lock()
			c.cache = &stunCacheEntry{result: res, at: time.Now()}
			c.mu.Unlock()
			c.recordProbe("success")
			return res, nil
		}
		lastErr = err
	}

	c.mu.Lock()
	if c.cache != nil && time.Since(c.cache.at) < stunStaleCacheTTL {
		res := c.cache.result
		c.mu.Unlock()
		c.recordProbe("stale_cache")
		return res, nil
	}
	c.mu.Unlock()

	c.recordProbe("failure")
	if lastErr == nil {
		lastErr = fmt.Errorf("no STUN servers configured")
	}
	return STUNResult{}, Errorf(KindPeerUnreachable, "STUN discovery: no response: %w", lastErr)
}

func (c *STUNClient) recordProbe(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProbeTotal.WithLabelValues("stun", outcome).Inc()
}

func (c *STUNClient) probeServer(ctx context.Context, server string, localPort int) (STUNResult, error) {
	backoff := stunBaseBackoff
	var lastErr error
	for attempt := 0; attempt < stunMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return STUNResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		res, err := c.singleAttempt(ctx, server, localPort)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return STUNResult{}, lastErr
}

func (c *STUNClient) singleAttempt(ctx context.Context, server string, localPort int) (STUNResult, error) {
	start := time.Now()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return STUNResult{}, fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return STUNResult{}, fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return STUNResult{}, fmt.Errorf("build binding request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > stunPerAttemptTimeout {
		deadline = time.Now().Add(stunPerAttemptTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return STUNResult{}, err
	}

	if _, err := conn.WriteToUDP(req.Raw, raddr); err != nil {
		return STUNResult{}, fmt.Errorf("write to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return STUNResult{}, fmt.Errorf("read from %s: %w", server, err)
	}

	host, port, err := parseSTUNBindingResponse(buf[:n], req.TransactionID)
	if err != nil {
		return STUNResult{}, fmt.Errorf("malformed response from %s: %w", server, err)
	}

	return STUNResult{
		Public: Endpoint{Kind: TransportUDP, Host: host, Port: port},
		Server: server,
		RTT:    time.Since(start),
	}, nil
}

// parseSTUNBindingResponse validates the response's type and
// transaction id against req, then extracts the mapped address,
// preferring XOR-MAPPED-ADDRESS and falling back to the plain
// MAPPED-ADDRESS some legacy servers still send (RFC 5389 section 15.1).
func parseSTUNBindingResponse(data []byte, txID stun.TransactionID) (string, uint16, error) {
	m := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := m.Decode(); err != nil {
		return "", 0, fmt.Errorf("decode stun message: %w", err)
	}
	if m.Type != stun.BindingSuccess {
		return "", 0, fmt.Errorf("unexpected message type %s", m.Type)
	}
	if m.TransactionID != txID {
		return "", 0, fmt.Errorf("transaction id mismatch")
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return xor.IP.String(), uint16(xor.Port), nil
	}

	var plain stun.MappedAddress
	if err := plain.GetFrom(m); err == nil {
		return plain.IP.String(), uint16(plain.Port), nil
	}

	return "", 0, fmt.Errorf("no mapped-address attribute present")
}

// buildSTUNBindingResponse constructs a synthetic Binding Response
// carrying an XOR-MAPPED-ADDRESS attribute for host:port, exercising
// the same pion/stun/v3 encode path tests run Discover's decode path
// against, at byte boundaries around the address family and padding.
func buildSTUNBindingResponse(txID stun.TransactionID, ip net.IP, port int) []byte {
	m := new(stun.Message)
	m.TransactionID = txID
	m.Type = stun.BindingSuccess
	xor := &stun.XORMappedAddress{IP: ip, Port: port}
	_ = xor.AddTo(m)
	m.Encode()
	return m.Raw
}
