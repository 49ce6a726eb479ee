// Package identity derives the node's 160-bit ID, signs tracker envelopes,
// and manages the rotating HMAC token secrets used to gate DHT announces
// (spec §4.B).
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// NodeID is a 160-bit Kademlia identifier, SHA-1 of the node's public key.
type NodeID [20]byte

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// XOR returns the XOR distance between two node IDs.
func (id NodeID) XOR(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// PrefixLen returns the number of leading zero bits, which for a non-zero
// XOR distance equals the Kademlia bucket index directly.
func (id NodeID) PrefixLen() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return len(id) * 8
}

// DeriveNodeID computes SHA-1(public-key-bytes).
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	return NodeID(sha1.Sum(pub))
}

// ContentHash computes SHA-256 of file bytes (content-addressed identity).
func ContentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// InfoHash computes SHA-1 over a canonical metadata record.
func InfoHash(canonical []byte) [20]byte {
	return sha1.Sum(canonical)
}

// Identity holds the node's signing keypair and derived ID. Created once
// per node and immutable for the lifetime of the tunnel.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	NodeID  NodeID
}

// New generates a fresh Ed25519 keypair and derives the node ID from it.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &Identity{
		Public:  pub,
		private: priv,
		NodeID:  DeriveNodeID(pub),
	}, nil
}

// Sign signs canonical message bytes for the tracker plane.
func (id *Identity) Sign(canonical []byte) []byte {
	return ed25519.Sign(id.private, canonical)
}

// Verify checks a signature against a given public key.
func Verify(pub ed25519.PublicKey, canonical, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

// TokenSecretSize is the width of a rotating HMAC token secret (128 bits).
const TokenSecretSize = 16

// RotationInterval is how often token secrets rotate (spec §3, §5).
const RotationInterval = 5 * time.Minute

// TokenLen is the truncated HMAC token length in bytes (80 bits).
const TokenLen = 10

// TokenManager rotates a pair of HMAC secrets and issues/verifies tokens
// bound to a requester's destination (spec §3 Token state, §4.B).
type TokenManager struct {
	mu       sync.RWMutex
	current  [TokenSecretSize]byte
	previous [TokenSecretSize]byte
	lastRot  time.Time
}

// NewTokenManager creates a manager with a freshly generated current secret
// and no previous secret (first rotation window).
func NewTokenManager() (*TokenManager, error) {
	tm := &TokenManager{lastRot: time.Now()}
	if _, err := rand.Read(tm.current[:]); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return tm, nil
}

// MaybeRotate rotates current -> previous and generates a new current if
// RotationInterval has elapsed since the last rotation. Safe to call from a
// periodic housekeeping goroutine.
func (tm *TokenManager) MaybeRotate(now time.Time) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if now.Sub(tm.lastRot) < RotationInterval {
		return nil
	}
	tm.previous = tm.current
	if _, err := rand.Read(tm.current[:]); err != nil {
		return fmt.Errorf("rotate token secret: %w", err)
	}
	tm.lastRot = now
	return nil
}

// Token computes HMAC(secret, destination) truncated to TokenLen bytes,
// using the current secret.
func (tm *TokenManager) Token(destination []byte) []byte {
	tm.mu.RLock()
	secret := tm.current
	tm.mu.RUnlock()
	return computeToken(secret, destination)
}

// Verify accepts a token iff it matches either the current or the previous
// secret for the given destination. Failure reveals nothing about which
// check rejected it (spec §4.B, §7).
func (tm *TokenManager) Verify(destination, token []byte) bool {
	tm.mu.RLock()
	cur, prev := tm.current, tm.previous
	tm.mu.RUnlock()

	okCur := hmac.Equal(computeToken(cur, destination), token)
	okPrev := prev != [TokenSecretSize]byte{} && hmac.Equal(computeToken(prev, destination), token)
	return okCur || okPrev
}

func computeToken(secret [TokenSecretSize]byte, destination []byte) []byte {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(destination)
	sum := mac.Sum(nil)
	return sum[:TokenLen]
}
