package mesh

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeAdapter probes/opens deterministically from a scripted table
// keyed by endpoint host, standing in for a real transport.
type fakeAdapter struct {
	kind      TransportKind
	reachable map[string]bool
}

func (f *fakeAdapter) Kind() TransportKind    { return f.kind }
func (f *fakeAdapter) MaxFrameBytes() int     { return 1 << 20 }
func (f *fakeAdapter) Probe(ctx context.Context, ep Endpoint, deadline time.Time) (ProbeResult, error) {
	if f.reachable[ep.Host] {
		return ProbeResult{Reachable: true, RTT: 5 * time.Millisecond}, nil
	}
	return ProbeResult{Reachable: false}, errors.New("unreachable")
}
func (f *fakeAdapter) Open(ctx context.Context, ep Endpoint, deadline time.Time) (Conn, error) {
	return nil, errors.New("not implemented in fakeAdapter")
}

func TestSupervisor_LearnThenPeerReturnsKnownState(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), nil, nil, nil)
	peer := newTestNodeId(5)
	sup.Learn(peer, []byte("pubkey"), map[TransportKind][]Endpoint{
		TransportLAN: {{Kind: TransportLAN, Host: "10.0.0.2", Port: 4710}},
	})

	ps, ok := sup.Peer(peer)
	if !ok {
		t.Fatal("expected the learned peer to be present")
	}
	if ps.Liveness != LivenessUnknown {
		t.Fatalf("Liveness = %v, want LivenessUnknown for a freshly-learned peer", ps.Liveness)
	}
	if len(ps.Endpoints[TransportLAN]) != 1 {
		t.Fatalf("expected 1 LAN endpoint, got %d", len(ps.Endpoints[TransportLAN]))
	}
}

func TestSupervisor_ProbeAndSelectPicksHighestPriorityReachable(t *testing.T) {
	lan := &fakeAdapter{kind: TransportLAN, reachable: map[string]bool{}}
	relay := &fakeAdapter{kind: TransportRelay, reachable: map[string]bool{"relay-host": true}}
	sup := NewSupervisor(newTestNodeId(0), map[TransportKind]Adapter{
		TransportLAN:   lan,
		TransportRelay: relay,
	}, nil, nil)
	sup.ctx = context.Background()

	peer := newTestNodeId(5)
	sup.Learn(peer, nil, map[TransportKind][]Endpoint{
		TransportLAN:   {{Kind: TransportLAN, Host: "unreachable-host"}},
		TransportRelay: {{Kind: TransportRelay, Host: "relay-host"}},
	})

	sup.probeAndSelect(peer)

	ps, _ := sup.Peer(peer)
	if ps.Liveness != LivenessConnected {
		t.Fatalf("Liveness = %v, want LivenessConnected", ps.Liveness)
	}
	if ps.ActiveTransport != TransportRelay {
		t.Fatalf("ActiveTransport = %v, want TransportRelay (LAN was unreachable)", ps.ActiveTransport)
	}
}

func TestSupervisor_ProbeAndSelectMarksFailedWhenNothingReachable(t *testing.T) {
	lan := &fakeAdapter{kind: TransportLAN, reachable: map[string]bool{}}
	sup := NewSupervisor(newTestNodeId(0), map[TransportKind]Adapter{TransportLAN: lan}, nil, nil)
	sup.ctx = context.Background()

	peer := newTestNodeId(5)
	sup.Learn(peer, nil, map[TransportKind][]Endpoint{
		TransportLAN: {{Kind: TransportLAN, Host: "unreachable-host"}},
	})

	sup.probeAndSelect(peer)

	ps, _ := sup.Peer(peer)
	if ps.Liveness != LivenessSuspect {
		t.Fatalf("Liveness = %v, want LivenessSuspect", ps.Liveness)
	}
	if ps.BackoffUntil.Before(time.Now()) {
		t.Fatal("expected a future BackoffUntil after a failed probe cycle")
	}
}

func TestSupervisor_MarkInboundConnectedCreatesPeerIfUnknown(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), nil, nil, nil)
	peer := newTestNodeId(9)

	sup.MarkInboundConnected(peer, TransportUDP)

	ps, ok := sup.Peer(peer)
	if !ok {
		t.Fatal("expected an inbound-connected peer to be created")
	}
	if ps.Liveness != LivenessConnected || ps.ActiveTransport != TransportUDP {
		t.Fatalf("unexpected state after MarkInboundConnected: %+v", ps)
	}
}

func TestSupervisor_MarkDisconnectedSetsSuspect(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), nil, nil, nil)
	peer := newTestNodeId(9)
	sup.MarkInboundConnected(peer, TransportLAN)

	sup.MarkDisconnected(peer)

	ps, _ := sup.Peer(peer)
	if ps.Liveness != LivenessSuspect {
		t.Fatalf("Liveness = %v, want LivenessSuspect", ps.Liveness)
	}
}

func TestSupervisor_SnapshotIncludesAllLearnedPeers(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), nil, nil, nil)
	for i := byte(1); i <= 5; i++ {
		sup.Learn(newTestNodeId(i), nil, nil)
	}
	if len(sup.Snapshot()) != 5 {
		t.Fatalf("Snapshot returned %d peers, want 5", len(sup.Snapshot()))
	}
}

func TestSupervisor_CandidateTransportsSortedByPriority(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), map[TransportKind]Adapter{
		TransportBLE:  &fakeAdapter{kind: TransportBLE},
		TransportLAN:  &fakeAdapter{kind: TransportLAN},
		TransportUDP:  &fakeAdapter{kind: TransportUDP},
		TransportRelay: &fakeAdapter{kind: TransportRelay},
	}, nil, nil)

	kinds := sup.candidateTransports()
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1].Priority() > kinds[i].Priority() {
			t.Fatalf("candidateTransports not sorted by priority: %v", kinds)
		}
	}
}

func TestSupervisor_StartAndCloseStopsCleanly(t *testing.T) {
	sup := NewSupervisor(newTestNodeId(0), nil, nil, nil)
	sup.Start(context.Background())
	sup.Close()
}
