package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// pairWaitTimeout bounds how long the first client of a session waits
// for its peer before the relay gives up and closes the socket.
const pairWaitTimeout = 60 * time.Second

// waitingClient is a client that has connected and passed the replay
// check but has no peer yet, grounded on the teacher's WaitingStream:
// the relay holds one side open until the session's second leg arrives
// or the wait times out. done is closed exactly once, by whichever
// goroutine resolves the wait (the pairing client, or the timeout).
type waitingClient struct {
	ws         *websocket.Conn
	nodeID     NodeId
	firstFrame []byte
	done       chan struct{}
}

// SessionRouter pairs exactly two WebSocket clients that connect with
// the same session_id (spec.md section 6: "the server pairs exactly
// two clients with the same session_id and forwards binary frames
// between them verbatim"). A session_id is single-use: once two
// clients have paired, or one has timed out, the slot is released.
type SessionRouter struct {
	guard   *ReplayGuard
	metrics *Metrics // nil-safe
	log     *slog.Logger

	mu      sync.Mutex
	waiting map[string]*waitingClient
}

// NewSessionRouter creates a SessionRouter. metrics and log are both
// optional (nil-safe); a nil log falls back to slog.Default().
func NewSessionRouter(guard *ReplayGuard, metrics *Metrics, log *slog.Logger) *SessionRouter {
	if log == nil {
		log = slog.Default()
	}
	return &SessionRouter{
		guard:   guard,
		metrics: metrics,
		log:     log,
		waiting: make(map[string]*waitingClient),
	}
}

// ActiveSessions returns the number of sessions with exactly one client
// currently waiting for a peer, for the /health endpoint.
func (r *SessionRouter) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// Handle services one accepted WebSocket connection for sessionID until
// the connection closes, either because its peer arrived and the pair
// finished forwarding, or because no peer arrived in time.
func (r *SessionRouter) Handle(sessionID string, ws *websocket.Conn) {
	defer ws.Close()

	nodeID, nonce, first, err := peekIdentity(ws)
	if err != nil {
		r.log.Warn("relay: dropping connection with unreadable first frame", "session_id", sessionID, "error", err)
		return
	}
	if !r.guard.Accept(nodeID, nonce) {
		r.log.Warn("relay: replay mismatch, rejecting connection", "session_id", sessionID, "node_id", nodeID.String())
		if r.metrics != nil {
			r.metrics.ReplayRejectedTotal.Inc()
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replay mismatch"),
			time.Now().Add(time.Second))
		return
	}

	r.mu.Lock()
	other, ok := r.waiting[sessionID]
	if !ok {
		me := &waitingClient{ws: ws, nodeID: nodeID, firstFrame: first, done: make(chan struct{})}
		r.waiting[sessionID] = me
		r.mu.Unlock()

		select {
		case <-me.done:
			// The second client paired with us and is running the
			// forwarding loop on both sockets; just wait for it to finish.
		case <-time.After(pairWaitTimeout):
			r.mu.Lock()
			if r.waiting[sessionID] == me {
				delete(r.waiting, sessionID)
				close(me.done)
			}
			r.mu.Unlock()
			if r.metrics != nil {
				r.metrics.SessionsTimedOutTotal.Inc()
			}
			r.log.Info("relay: session timed out waiting for second client", "session_id", sessionID)
		}
		return
	}
	delete(r.waiting, sessionID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsPairedTotal.Inc()
	}
	r.pair(sessionID, other, ws, first)
	close(other.done)
}

// pair delivers each side's already-consumed first frame to its peer,
// then forwards everything else verbatim until either socket closes.
// Only the second-arriving client's goroutine runs this, so each
// socket is written to by exactly one goroutine pair at a time.
func (r *SessionRouter) pair(sessionID string, first *waitingClient, second *websocket.Conn, secondFirst []byte) {
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
		defer r.metrics.SessionsActive.Dec()
	}

	if err := first.ws.WriteMessage(websocket.BinaryMessage, secondFirst); err != nil {
		r.log.Debug("relay: forward second client's first frame failed", "session_id", sessionID, "error", err)
		return
	}
	if err := second.WriteMessage(websocket.BinaryMessage, first.firstFrame); err != nil {
		r.log.Debug("relay: forward first client's first frame failed", "session_id", sessionID, "error", err)
		return
	}

	done := make(chan struct{}, 2)
	go r.pump(first.ws, second, "first_to_second", done)
	go r.pump(second, first.ws, "second_to_first", done)
	<-done
	first.ws.Close()
	second.Close()
	<-done
}

// pump copies binary frames from src to dst verbatim until either side
// errors or closes, signalling done exactly once.
func (r *SessionRouter) pump(src, dst *websocket.Conn, direction string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
		if r.metrics != nil {
			r.metrics.BytesForwardedTotal.WithLabelValues(direction).Add(float64(len(data)))
		}
	}
}

// peekIdentity reads the first binary frame off ws without otherwise
// interpreting the session, and decodes it as a HandshakeFrame to
// extract the (node_id, nonce) pair the ReplayGuard needs. The relay
// never verifies the embedded signature — that is the peer's job once
// frames start flowing — it only needs enough of the frame to police
// nonce reuse at the transport boundary.
func peekIdentity(ws *websocket.Conn) (NodeId, [16]byte, []byte, error) {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return NodeId{}, [16]byte{}, nil, fmt.Errorf("read first frame: %w", err)
	}
	if kind != websocket.BinaryMessage || len(data) < 1 {
		return NodeId{}, [16]byte{}, nil, errors.New("first frame is not a binary handshake frame")
	}
	if mesh.FrameKind(data[0]) != mesh.FrameHandshake {
		return NodeId{}, [16]byte{}, nil, fmt.Errorf("first frame kind 0x%02x, want handshake", data[0])
	}
	var hs mesh.HandshakeFrame
	if err := mesh.UnmarshalCBOR(data[1:], &hs); err != nil {
		return NodeId{}, [16]byte{}, nil, fmt.Errorf("decode handshake frame: %w", err)
	}
	return hs.NodeId, hs.SessionAuth.Nonce, data, nil
}
