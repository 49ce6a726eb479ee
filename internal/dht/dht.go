package dht

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/i2pshare/node/internal/events"
	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
	"github.com/i2pshare/node/internal/wire"
)

// ContentSearcher is the narrow surface the DHT needs from the content
// indexer (F) to answer FIND_VALUE requests with local matches.
type ContentSearcher interface {
	SearchLocal(query string) []SearchResult
}

// DefaultSearchTimeout is the FIND_VALUE search deadline (spec §5).
const DefaultSearchTimeout = 10 * time.Second

// DefaultLookupTimeout is the peer-lookup deadline (spec §5).
const DefaultLookupTimeout = 30 * time.Second

// announceWait is the pause between GET_PEERS fan-out and ANNOUNCE_PEER
// fan-out in the announce flow (spec §4.E Announce flow, step 2).
const announceWait = 3 * time.Second

// maxLookupResults bounds peer lookup (spec §4.E Peer lookup: "completes
// ... once >= 50 destinations have been collected").
const maxLookupResults = 50

// DHT wires the routing table, value cache, swarm book and token manager
// into the message set and flows of spec §4.E.
type DHT struct {
	self       identity.NodeID
	selfDest   transport.Destination
	tokens     *identity.TokenManager
	routing    *RoutingTable
	cache      *ValueCache
	swarm      *SwarmBook
	send       wire.Sender
	bus        *events.Bus
	searcher   ContentSearcher
	reqTokens  *tokenCache
}

// New constructs a DHT engine bound to a self node ID/destination, a
// sender bound to the transport factory, and an event bus for
// discovery/presence notifications.
func New(self identity.NodeID, selfDest transport.Destination, tokens *identity.TokenManager, send wire.Sender, bus *events.Bus) *DHT {
	return &DHT{
		self:      self,
		selfDest:  selfDest,
		tokens:    tokens,
		routing:   NewRoutingTable(self),
		cache:     NewValueCache(),
		swarm:     NewSwarmBook(),
		send:      send,
		bus:       bus,
		reqTokens: newTokenCache(),
	}
}

// SetContentSearcher wires the content indexer interface (F) used to
// answer FIND_VALUE requests with this node's own shared files.
func (d *DHT) SetContentSearcher(s ContentSearcher) { d.searcher = s }

// Routing exposes the routing table for orchestrator load/sync and tests.
func (d *DHT) Routing() *RoutingTable { return d.routing }

// LoadRoutingTable seeds the in-memory table from persisted entries (orchestrator startup).
func (d *DHT) LoadRoutingTable(entries []*store.RoutingEntry) { d.routing.LoadFromStore(entries) }

// SyncToStore persists the routing table and value cache.
func (d *DHT) SyncToStore(s *store.Store) error {
	if err := d.routing.SyncToStore(s); err != nil {
		return err
	}
	return d.cache.SyncToStore(s)
}

// Cleanup runs the per-minute housekeeping described in spec §4.E Cleanup:
// expire swarm entries, evict failed routing entries, drop expired cache
// entries, and rotate the token secrets once identity.RotationInterval has
// elapsed since the last rotation.
func (d *DHT) Cleanup() {
	if err := d.tokens.MaybeRotate(time.Now()); err != nil {
		log.Printf("[dht] rotate token secrets: %v", err)
	}
	d.swarm.Cleanup()
	d.routing.Cleanup()
	d.cache.Cleanup()
}

// HandleMessage dispatches one inbound DHT envelope and returns the
// response payload (nil for fire-and-forget messages or drops). It is
// registered as a wire.Handler by the orchestrator (spec §4.H: "DHT
// messages by type to E").
func (d *DHT) HandleMessage(from transport.Destination, raw []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil // malformed frame: drop, never propagate (spec §7)
	}

	senderID, err := parseNodeID(env.NodeID)
	if err != nil {
		return nil
	}

	// Every inbound message (request or response) refreshes the sender's
	// routing entry (spec §4.E).
	d.routing.UpdateNode(senderID, from, time.Now())

	switch env.Type {
	case MsgPing:
		return d.replyEnvelope(MsgPong, struct{}{})
	case MsgFindNode:
		var p FindNodePayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		return d.handleFindNode(p)
	case MsgFindValue:
		var p FindValuePayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		return d.handleFindValue(p)
	case MsgStore:
		var p StorePayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		d.handleStore(p)
		return nil
	case MsgAnnounce:
		var p AnnouncePayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		d.swarm.Record(p.InfoHash, p.Destination)
		return nil
	case MsgGetPeers:
		var p GetPeersPayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		return d.handleGetPeers(from, p)
	case MsgAnnouncePeer:
		var p AnnouncePeerPayload
		if !decodePayload(env.Payload, &p) {
			return nil
		}
		return d.handleAnnouncePeer(from, p)
	default:
		return nil
	}
}

func (d *DHT) handleFindNode(p FindNodePayload) []byte {
	target, err := parseNodeID(p.Target)
	if err != nil {
		return nil
	}
	return d.replyEnvelope(MsgFindNode, FindNodeResponse{Nodes: d.wireClosest(target, K)})
}

func (d *DHT) handleFindValue(p FindValuePayload) []byte {
	target, err := parseNodeID(p.Target)
	if err != nil {
		return nil
	}
	var results []SearchResult
	if d.searcher != nil {
		results = d.searcher.SearchLocal(p.Query)
	}
	return d.replyEnvelope(MsgFindValue, FindValueResponse{
		Results:     results,
		CloserNodes: d.wireClosest(target, K),
		IsResponse:  true,
	})
}

func (d *DHT) handleStore(p StorePayload) {
	value, err := base64.StdEncoding.DecodeString(p.Value)
	if err != nil {
		return
	}
	ttl := time.Duration(p.TTL) * time.Second
	if ttl <= 0 {
		ttl = store.DefaultDHTValueTTL
	}
	d.cache.Set(p.Key, value, ttl)
}

func (d *DHT) handleGetPeers(from transport.Destination, p GetPeersPayload) []byte {
	token := hex.EncodeToString(d.tokens.Token(from))
	target, err := parseNodeID(p.InfoHash)
	resp := GetPeersResponse{
		Token:      token,
		Peers:      d.swarm.Peers(p.InfoHash, 0, ""),
		IsResponse: true,
	}
	if err == nil {
		resp.Nodes = d.wireClosest(target, K)
	}
	return d.replyEnvelope(MsgGetPeers, resp)
}

func (d *DHT) handleAnnouncePeer(from transport.Destination, p AnnouncePeerPayload) []byte {
	token, err := hex.DecodeString(p.Token)
	if err != nil || !d.tokens.Verify(from, token) {
		return nil // bad token: drop silently, never leak why (spec §7)
	}
	d.swarm.Record(p.InfoHash, p.Port)
	return d.replyEnvelope(MsgAnnouncePeer, struct {
		Ack bool `json:"ack"`
	}{true})
}

func (d *DHT) wireClosest(target identity.NodeID, n int) []WireNode {
	nodes := d.routing.ClosestN(target, n)
	out := make([]WireNode, len(nodes))
	for i, node := range nodes {
		out[i] = WireNode{NodeID: node.ID.String(), Destination: string(node.Destination)}
	}
	return out
}

func (d *DHT) replyEnvelope(t MessageType, payload interface{}) []byte {
	raw, err := json.Marshal(Envelope{
		Type:      t,
		NodeID:    d.self.String(),
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[dht] marshal reply: %v", err)
		return nil
	}
	return raw
}

// request sends env to dest over d.send and decodes the response envelope's
// payload into out. Returns false on any transport/decode error — callers
// treat that the same as "no response" (spec §4.E: iterative lookups never
// error).
func (d *DHT) request(ctx context.Context, dest transport.Destination, msgType MessageType, payload interface{}, out interface{}) bool {
	raw, err := json.Marshal(Envelope{
		Type:      msgType,
		NodeID:    d.self.String(),
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return false
	}
	respRaw, err := d.send(ctx, dest, raw, false)
	if err != nil || respRaw == nil {
		if id, ok := d.nodeIDFromDest(dest); ok {
			d.routing.IncrementFail(id)
		}
		return false
	}
	var env Envelope
	if err := json.Unmarshal(respRaw, &env); err != nil {
		return false
	}
	return decodePayload(env.Payload, out)
}

func decodePayload(payload interface{}, out interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func parseNodeID(s string) (identity.NodeID, error) {
	var id identity.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("dht: invalid node id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// nodeIDFromDest is a best-effort lookup used only to attribute a fail
// count when a request's recipient node ID isn't otherwise known to the
// caller (e.g. a dial failure before any envelope was received). It
// reports false when no routing-table node has that destination.
func (d *DHT) nodeIDFromDest(dest transport.Destination) (identity.NodeID, bool) {
	for _, n := range d.routing.All() {
		if n.Destination.Equal(dest) {
			return n.ID, true
		}
	}
	return identity.NodeID{}, false
}
