package mesh

import (
	"errors"
	"testing"
)

func TestKindOf_ExtractsWrappedKind(t *testing.T) {
	err := Errorf(KindExpired, "invite expired at %s", "2026-01-01")
	if KindOf(err) != KindExpired {
		t.Fatalf("KindOf = %v, want KindExpired", KindOf(err))
	}
}

func TestKindOf_DefaultsToTransientForPlainErrors(t *testing.T) {
	if KindOf(errors.New("boom")) != KindTransient {
		t.Fatal("KindOf should default to KindTransient for an untagged error")
	}
}

func TestNewError_NilUnderlyingErrorStillUsable(t *testing.T) {
	err := NewError(KindRevoked, nil)
	if err.Error() != "Revoked" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "Revoked")
	}
	if KindOf(err) != KindRevoked {
		t.Fatal("KindOf should still extract the kind with a nil wrapped error")
	}
}

func TestMeshError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewError(KindBadRequest, inner)
	if !errors.Is(err, inner) {
		t.Fatal("errors.Is should see through MeshError to the wrapped error")
	}
}
