package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/relay/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// echo exactly one message back, enough to exercise Send/Recv.
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		ws.WriteMessage(websocket.BinaryMessage, data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayAdapter_ProbeSucceedsWhenHealthOK(t *testing.T) {
	srv := newTestRelayServer(t)
	a := NewRelayAdapter(nil)

	u, _ := url.Parse(srv.URL)
	ep := Endpoint{Kind: TransportRelay, RelayURL: "http://" + u.Host, SessionID: "sess-1"}

	res, err := a.Probe(context.Background(), ep, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !res.Reachable {
		t.Fatal("expected the relay's /health endpoint to report reachable")
	}
}

func TestRelayAdapter_OpenDialsRelayAndExchangesFrames(t *testing.T) {
	srv := newTestRelayServer(t)
	a := NewRelayAdapter(nil)

	u, _ := url.Parse(srv.URL)
	ep := Endpoint{Kind: TransportRelay, RelayURL: "http://" + u.Host, SessionID: "sess-2"}

	conn, err := a.Open(context.Background(), ep, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if conn.Transport() != TransportRelay {
		t.Fatalf("Transport() = %v, want TransportRelay", conn.Transport())
	}

	frame, err := encodeFrame(FrameHeartbeat, HeartbeatFrame{Sequence: 3})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.Send(context.Background(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	echoed, err := conn.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if FrameKind(echoed[0]) != FrameHeartbeat {
		t.Fatalf("kind = 0x%02x, want FrameHeartbeat", echoed[0])
	}
}

func TestRelayAdapter_RelayURLRewritesSchemeAndPath(t *testing.T) {
	a := NewRelayAdapter(nil)
	got, err := a.relayURL(Endpoint{RelayURL: "https://relay.example:8443", SessionID: "abc123"})
	if err != nil {
		t.Fatalf("relayURL: %v", err)
	}
	if !strings.HasPrefix(got, "wss://relay.example:8443") {
		t.Fatalf("relayURL = %q, want wss:// scheme preserved from https", got)
	}
	if !strings.HasSuffix(got, "/relay/abc123") {
		t.Fatalf("relayURL = %q, want /relay/<session_id> path", got)
	}
}

func TestRelayAdapter_RelayURLRejectsUnsupportedScheme(t *testing.T) {
	a := NewRelayAdapter(nil)
	if _, err := a.relayURL(Endpoint{RelayURL: "ftp://relay.example", SessionID: "x"}); err == nil {
		t.Fatal("expected an unsupported scheme to be rejected")
	}
}

func TestRelayAdapter_ProbeFailsAgainstUnreachableHost(t *testing.T) {
	a := NewRelayAdapter(nil)
	ep := Endpoint{Kind: TransportRelay, RelayURL: "http://127.0.0.1:1", SessionID: "sess-3"}
	res, err := a.Probe(context.Background(), ep, time.Now().Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.Reachable {
		t.Fatal("expected an unreachable relay to report unreachable")
	}
}
