package tracker

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/i2pshare/node/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestSignAndAcceptRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgAnnounce, AnnouncePayload{DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	g := newReplayGuard()
	if !g.Accept(env) {
		t.Fatal("expected a freshly signed envelope to be accepted")
	}
}

func TestAcceptRejectsTamperedSignature(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Signature = env.Signature[:len(env.Signature)-2] + "00"

	g := newReplayGuard()
	if g.Accept(env) {
		t.Fatal("expected a tampered signature to be rejected")
	}
}

func TestAcceptRejectsReplayedNonce(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	g := newReplayGuard()
	if !g.Accept(env) {
		t.Fatal("first delivery should be accepted")
	}
	if g.Accept(env) {
		t.Fatal("replayed envelope with the same nonce must be rejected")
	}
}

func TestAcceptRejectsStaleTimestamp(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Timestamp = time.Now().Add(-ReplayWindow - time.Minute).Unix()
	resign(id, env)

	g := newReplayGuard()
	if g.Accept(env) {
		t.Fatal("expected a stale timestamp to be rejected")
	}
}

func TestAcceptRejectsFutureTimestampBeyondGrace(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Timestamp = time.Now().Add(ReplayWindowFuture + time.Minute).Unix()
	resign(id, env)

	g := newReplayGuard()
	if g.Accept(env) {
		t.Fatal("expected a timestamp more than 1 min in the future to be rejected")
	}
}

func TestAcceptToleratesTimestampWithinFutureGrace(t *testing.T) {
	id := newTestIdentity(t)
	env, err := Sign(id, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Timestamp = time.Now().Add(ReplayWindowFuture - 10*time.Second).Unix()
	resign(id, env)

	g := newReplayGuard()
	if !g.Accept(env) {
		t.Fatal("expected a timestamp just within the future grace period to be accepted")
	}
}

// resign re-signs env's canonical form after a test has mutated its
// timestamp, since the signature covers the timestamp field.
func resign(id *identity.Identity, env *Envelope) {
	sig := id.Sign(canonical(env.Type, env.Nonce, env.Timestamp, env.Payload))
	env.Signature = hex.EncodeToString(sig)
}
