package tracker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/identity"
)

// MessageType tags the tracker-plane JSON envelope (spec §4.D).
type MessageType string

const (
	MsgAnnounce   MessageType = "ANNOUNCE"
	MsgGetPeers   MessageType = "GET_PEERS"
	MsgPeersList  MessageType = "PEERS_LIST"
	MsgPing       MessageType = "PING"
	MsgPong       MessageType = "PONG"
	MsgDisconnect MessageType = "DISCONNECT"
	MsgAck        MessageType = "ACK"
)

// ReplayWindow bounds how far in the past a message's timestamp may be
// (spec §4.D, spec §6: "reject messages older than 5 min").
const ReplayWindow = 5 * time.Minute

// ReplayWindowFuture bounds how far in the future a message's timestamp
// may be (spec §6: "or more than 1 min in the future").
const ReplayWindowFuture = 1 * time.Minute

// Envelope is the signed, replay-protected tracker-plane wrapper. Signature
// covers type|nonce|timestamp|payload.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	PublicKey string          `json:"public_key"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

func canonical(t MessageType, nonce string, ts int64, payload json.RawMessage) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s", t, nonce, ts, payload))
}

// Sign builds a signed envelope for payload using id's keypair.
func Sign(id *identity.Identity, t MessageType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ts := time.Now().Unix()
	sig := id.Sign(canonical(t, nonce, ts, raw))
	return &Envelope{
		Type:      t,
		Nonce:     nonce,
		Timestamp: ts,
		PublicKey: hex.EncodeToString(id.Public),
		Payload:   raw,
		Signature: hex.EncodeToString(sig),
	}, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// replayGuard tracks seen nonces within ReplayWindow to reject duplicates
// and stale timestamps (spec §4.D).
type replayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayGuard() *replayGuard {
	return &replayGuard{seen: make(map[string]time.Time)}
}

// Accept reports whether env passes the replay/timestamp/signature checks,
// verifying the signature against the public key embedded in the envelope.
func (g *replayGuard) Accept(env *Envelope) bool {
	pub, err := hex.DecodeString(env.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	if !ed25519.Verify(pub, canonical(env.Type, env.Nonce, env.Timestamp, env.Payload), sig) {
		return false
	}
	ts := time.Unix(env.Timestamp, 0)
	age := time.Since(ts)
	if age > ReplayWindow || age < -ReplayWindowFuture {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.seen[env.Nonce]; seen {
		return false
	}
	g.seen[env.Nonce] = ts
	return true
}

// Cleanup drops nonces older than ReplayWindow.
func (g *replayGuard) Cleanup() {
	cutoff := time.Now().Add(-ReplayWindow)
	g.mu.Lock()
	defer g.mu.Unlock()
	for n, ts := range g.seen {
		if ts.Before(cutoff) {
			delete(g.seen, n)
		}
	}
}

// AnnouncePayload advertises this node's presence to a tracker.
type AnnouncePayload struct {
	DisplayName         string `json:"display_name"`
	FilesCount          int    `json:"files_count"`
	TotalSize           int64  `json:"total_size"`
	StreamingDestination string `json:"streaming_destination,omitempty"`
}

// GetPeersPayload requests the current peer list (no fields).
type GetPeersPayload struct{}

// PeerEntry is one peer in a PEERS_LIST response.
type PeerEntry struct {
	Destination          string `json:"destination"`
	ShortAddress         string `json:"short_address"`
	DisplayName          string `json:"display_name"`
	FilesCount           int    `json:"files_count"`
	TotalSize            int64  `json:"total_size"`
	StreamingDestination string `json:"streaming_destination,omitempty"`
}

// PeersListPayload is the tracker's snapshot response to GET_PEERS.
type PeersListPayload struct {
	Peers []PeerEntry `json:"peers"`
}

// NodeHint is one DHT bootstrap entry carried in a DHT_NODES payload.
type NodeHint struct {
	NodeID      string `json:"node_id"`
	Destination string `json:"destination"`
}

// DHTNodesPayload carries DHT bootstrap hints, piggybacked on any message.
type DHTNodesPayload struct {
	Nodes []NodeHint `json:"nodes"`
}
