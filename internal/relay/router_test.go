package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/atmosphere/pkg/mesh"
)

func newTestServer(t *testing.T, router *SessionRouter) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/relay/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go router.Handle(r.PathValue("session_id"), ws)
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dialWithHandshake(t *testing.T, wsURL string, node mesh.NodeId, nonce [16]byte) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	frame, err := mesh.MarshalCBOR(mesh.HandshakeFrame{
		NodeId: node,
		SessionAuth: mesh.SessionAuth{
			NodeId: node,
			Nonce:  nonce,
		},
	})
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}
	body := append([]byte{byte(mesh.FrameHandshake)}, frame...)
	if err := ws.WriteMessage(websocket.BinaryMessage, body); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return ws
}

func TestSessionRouter_PairsTwoClientsAndForwards(t *testing.T) {
	router := NewSessionRouter(NewReplayGuard(), nil, nil)
	srv, wsURL := newTestServer(t, router)
	defer srv.Close()

	a := dialWithHandshake(t, wsURL+"/relay/sess-1", nodeID(1), [16]byte{1})
	defer a.Close()
	b := dialWithHandshake(t, wsURL+"/relay/sess-1", nodeID(2), [16]byte{2})
	defer b.Close()

	// Each side must see the other's handshake frame first.
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("a read: %v", err)
	}
	if mesh.FrameKind(data[0]) != mesh.FrameHandshake {
		t.Fatalf("a's first relayed frame kind = 0x%02x, want handshake", data[0])
	}
	var hs mesh.HandshakeFrame
	if err := mesh.UnmarshalCBOR(data[1:], &hs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hs.NodeId != nodeID(2) {
		t.Fatalf("a received node_id %v, want b's node_id", hs.NodeId)
	}

	// Now verify bidirectional forwarding of an arbitrary frame.
	payload := append([]byte{byte(mesh.FrameHeartbeat)}, []byte("hello")...)
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("a write: %v", err)
	}
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("b read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("b received %q, want %q", got, payload)
	}
}

func TestSessionRouter_ReplayMismatchRejected(t *testing.T) {
	guard := NewReplayGuard()
	nonce := [16]byte{9}
	guard.Accept(nodeID(1), nonce) // pre-seed as if node 1 already connected

	router := NewSessionRouter(guard, nil, nil)
	srv, wsURL := newTestServer(t, router)
	defer srv.Close()

	ws := dialWithHandshake(t, wsURL+"/relay/sess-2", nodeID(2), nonce)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed after replay mismatch")
	}
}

func TestSessionRouter_ActiveSessionsReflectsWaiting(t *testing.T) {
	router := NewSessionRouter(NewReplayGuard(), nil, nil)
	srv, wsURL := newTestServer(t, router)
	defer srv.Close()

	a := dialWithHandshake(t, wsURL+"/relay/sess-3", nodeID(1), [16]byte{1})
	defer a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if router.ActiveSessions() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ActiveSessions() never reached 1, got %d", router.ActiveSessions())
}
