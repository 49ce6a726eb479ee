package identity

import (
	"testing"
	"time"
)

func TestTokenRoundTripAcrossRotation(t *testing.T) {
	tm, err := NewTokenManager()
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	dest := []byte("destination-under-test")

	tok := tm.Token(dest)
	if !tm.Verify(dest, tok) {
		t.Fatal("token must verify immediately after issuance")
	}

	base := time.Now()
	if err := tm.MaybeRotate(base.Add(RotationInterval + time.Second)); err != nil {
		t.Fatalf("rotate 1: %v", err)
	}
	if !tm.Verify(dest, tok) {
		t.Fatal("token must still verify against the previous secret after one rotation")
	}

	if err := tm.MaybeRotate(base.Add(2*RotationInterval + 2*time.Second)); err != nil {
		t.Fatalf("rotate 2: %v", err)
	}
	if tm.Verify(dest, tok) {
		t.Fatal("token must fail verification after two rotations")
	}
}

func TestTokenWrongDestinationRejected(t *testing.T) {
	tm, err := NewTokenManager()
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	tok := tm.Token([]byte("alice"))
	if tm.Verify([]byte("bob"), tok) {
		t.Fatal("token for alice must not verify for bob")
	}
}

func TestDeriveNodeIDDeterministic(t *testing.T) {
	id1, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := DeriveNodeID(id1.Public)
	if got != id1.NodeID {
		t.Fatalf("DeriveNodeID(pub) = %v, want %v", got, id1.NodeID)
	}
}
