// Package identity persists a node's Ed25519 key material to a local
// keystore file, grounded on the load-or-create pattern used throughout
// the wider codebase: generate on first run, refuse to proceed if the
// key file's permissions have been loosened by another process.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"runtime"

	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// CheckKeyFilePermissions fails if path is readable by group or other.
// Skipped on Windows, which has no POSIX permission bits.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("identity key file %s has overly permissive mode %o (want 0600)", path, info.Mode().Perm())
	}
	return nil
}

// LoadOrCreate loads the 32-byte Ed25519 seed at path, or generates and
// persists a fresh one (mode 0600) if the file does not exist.
func LoadOrCreate(path string) (mesh.KeyPair, mesh.NodeId, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if permErr := CheckKeyFilePermissions(path); permErr != nil {
			return mesh.KeyPair{}, mesh.NodeId{}, permErr
		}
		if len(seed) != ed25519.SeedSize {
			return mesh.KeyPair{}, mesh.NodeId{}, fmt.Errorf("identity key file %s: want %d bytes, got %d", path, ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		kp := mesh.KeyPair{Public: pub, Private: priv}
		return kp, mesh.NodeIdFromPublicKey(pub), nil
	}
	if !os.IsNotExist(err) {
		return mesh.KeyPair{}, mesh.NodeId{}, fmt.Errorf("read identity key file %s: %w", path, err)
	}

	kp, nodeID, err := mesh.GenerateIdentity()
	if err != nil {
		return mesh.KeyPair{}, mesh.NodeId{}, err
	}
	newSeed := kp.Private.Seed()
	if err := os.WriteFile(path, newSeed, 0o600); err != nil {
		return mesh.KeyPair{}, mesh.NodeId{}, fmt.Errorf("write identity key file %s: %w", path, err)
	}
	return kp, nodeID, nil
}
