package mesh

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditLogger_NilBaseYieldsNilLogger(t *testing.T) {
	a := NewAuditLogger(nil)
	if a != nil {
		t.Fatal("expected NewAuditLogger(nil) to return a nil *AuditLogger")
	}
	// every method must be safe to call on the nil receiver.
	a.SignatureRejected(RecordCost, NodeId{}, "reason")
	a.RecordExpired(RecordCost, NodeId{})
	a.PeerRevoked(NodeId{})
	a.ReplayRejected(NodeId{}, NodeId{})
	a.InviteRejected(MeshId{}, "reason")
}

func TestAuditLogger_SignatureRejectedLogsReason(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	a.SignatureRejected(RecordCapability, newTestNodeId(3), "gossip envelope signature invalid")

	out := buf.String()
	if !strings.Contains(out, "signature rejected") {
		t.Fatalf("expected log message, got %q", out)
	}
	if !strings.Contains(out, "gossip envelope signature invalid") {
		t.Fatalf("expected reason in log output, got %q", out)
	}
}

func TestAuditLogger_PeerRevokedLogsNodeId(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	id := newTestNodeId(7)

	a.PeerRevoked(id)

	if !strings.Contains(buf.String(), id.String()) {
		t.Fatalf("expected node id %s in log output, got %q", id.String(), buf.String())
	}
}
