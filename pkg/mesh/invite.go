package mesh

import (
	"crypto/ed25519"
	"time"
)

// signedInviteFields is the canonical CBOR encoding order signed and
// verified for an InviteToken. Nonce is deliberately absent (see
// SPEC_FULL.md section 10): replay protection for live connections is
// the job of SessionAuth, not the invite itself.
type signedInviteFields struct {
	MeshId              MeshId
	MeshPublicKey       []byte
	IssuerNodeId        NodeId
	CapabilitiesGranted []string
	Endpoints           []Endpoint
	CreatedAtUnix       int64
	ExpiresAtUnix       int64
}

func canonicalInviteBytes(t InviteToken) ([]byte, error) {
	return MarshalCBOR(signedInviteFields{
		MeshId:              t.MeshId,
		MeshPublicKey:       t.MeshPublicKey,
		IssuerNodeId:        t.IssuerNodeId,
		CapabilitiesGranted: t.CapabilitiesGranted,
		Endpoints:           t.Endpoints,
		CreatedAtUnix:       t.CreatedAt.Unix(),
		ExpiresAtUnix:       t.ExpiresAt.Unix(),
	})
}

// CreateInvite builds and signs a fresh InviteToken for meshID, using
// meshPriv (the mesh founder's private key — the only key permitted to
// sign invites) and issuerID (the node actually handing out the
// invite, recorded for audit purposes but not itself a signer).
func CreateInvite(meshID MeshId, meshPub ed25519.PublicKey, meshPriv ed25519.PrivateKey, issuerID NodeId, grants []string, endpoints []Endpoint, ttl time.Duration) (InviteToken, error) {
	now := time.Now().UTC()
	t := InviteToken{
		MeshId:              meshID,
		MeshPublicKey:       meshPub,
		IssuerNodeId:        issuerID,
		CapabilitiesGranted: grants,
		Endpoints:           endpoints,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
	body, err := canonicalInviteBytes(t)
	if err != nil {
		return InviteToken{}, Errorf(KindBadRequest, "canonicalize invite: %w", err)
	}
	t.Signature = ed25519.Sign(meshPriv, body)
	return t, nil
}

// VerifyInvite checks t against meshPub and the current time. It
// requires no network call: signature and clock only.
func VerifyInvite(t InviteToken, meshPub ed25519.PublicKey) error {
	body, err := canonicalInviteBytes(t)
	if err != nil {
		return Errorf(KindBadRequest, "canonicalize invite: %w", err)
	}
	if len(t.MeshPublicKey) != len(meshPub) || string(t.MeshPublicKey) != string(meshPub) {
		return NewError(KindWrongMesh, nil)
	}
	if !ed25519.Verify(meshPub, body, t.Signature) {
		return NewError(KindInvalidSignature, nil)
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		return NewError(KindExpired, nil)
	}
	return nil
}
