package mesh

import "log/slog"

// AuditLogger records security-relevant events (section 7: InvalidSignature,
// Expired, Revoked, ReplayMismatch). Every method is nil-safe so callers
// never need to branch on whether auditing is enabled.
type AuditLogger struct {
	log *slog.Logger
}

// NewAuditLogger wraps base with an "audit" group. Pass nil to get a
// logger whose methods are no-ops.
func NewAuditLogger(base *slog.Logger) *AuditLogger {
	if base == nil {
		return nil
	}
	return &AuditLogger{log: base.WithGroup("audit")}
}

func (a *AuditLogger) SignatureRejected(kind RecordKind, origin NodeId, reason string) {
	if a == nil {
		return
	}
	a.log.Warn("signature rejected", "record_kind", kind, "origin", origin.String(), "reason", reason)
}

func (a *AuditLogger) RecordExpired(kind RecordKind, origin NodeId) {
	if a == nil {
		return
	}
	a.log.Info("record expired", "record_kind", kind, "origin", origin.String())
}

func (a *AuditLogger) PeerRevoked(node NodeId) {
	if a == nil {
		return
	}
	a.log.Warn("peer revoked", "node_id", node.String())
}

func (a *AuditLogger) ReplayRejected(node NodeId, attemptedBy NodeId) {
	if a == nil {
		return
	}
	a.log.Warn("session auth replay rejected", "owner", node.String(), "attempted_by", attemptedBy.String())
}

func (a *AuditLogger) InviteRejected(meshId MeshId, reason string) {
	if a == nil {
		return
	}
	a.log.Warn("invite rejected", "mesh_id", meshId.String(), "reason", reason)
}
