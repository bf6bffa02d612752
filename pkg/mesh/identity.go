package mesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// GenerateIdentity creates fresh Ed25519 key material and derives the
// corresponding NodeId.
func GenerateIdentity() (KeyPair, NodeId, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, NodeId{}, fmt.Errorf("generate identity: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, NodeIdFromPublicKey(pub), nil
}

// NodeIdFromPublicKey derives NodeId = SHA-256(public key)[:16].
func NodeIdFromPublicKey(pub ed25519.PublicKey) NodeId {
	sum := sha256.Sum256(pub)
	var id NodeId
	copy(id[:], sum[:len(id)])
	return id
}

// Sign signs bytes with kp's private key.
func Sign(kp KeyPair, data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// Verify checks a signature made over data by pub.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}
