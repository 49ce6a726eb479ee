package dht

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
)

// RoutingTable is the in-memory K-bucket set, periodically synced to the
// store (spec §3 Ownership: "The DHT owns the routing table ... in-memory,
// periodically synced to the store").
type RoutingTable struct {
	self identity.NodeID

	mu      sync.RWMutex
	buckets [NumBuckets]bucket
}

// NewRoutingTable creates an empty table for the given self ID.
func NewRoutingTable(self identity.NodeID) *RoutingTable {
	return &RoutingTable{self: self}
}

// BucketIndex computes 159 - floor(log2(distance(self, node))) (spec §3
// invariant ii, §8 XOR bucket mapping property). PrefixLen, the length of
// the shared leading-bit prefix between self and node, already equals
// that quantity for any non-zero distance.
func BucketIndex(self, node identity.NodeID) int {
	dist := self.XOR(node)
	if dist.IsZero() {
		return -1 // self; never placed in its own table
	}
	return dist.PrefixLen()
}

// UpdateNode upserts a node, refusing to place self (spec §3: "A node's
// own ID and destination never appear in its own buckets").
func (rt *RoutingTable) UpdateNode(id identity.NodeID, dest transport.Destination, now time.Time) {
	if id == rt.self {
		return
	}
	idx := BucketIndex(rt.self, id)
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].update(id, dest, now)
}

// IncrementFail records a send failure against a node (spec §4.E failure semantics).
func (rt *RoutingTable) IncrementFail(id identity.NodeID) {
	idx := BucketIndex(rt.self, id)
	if idx < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].incrementFail(id)
}

// Cleanup evicts entries with FailCount >= store.MaxFailCount from every bucket.
func (rt *RoutingTable) Cleanup() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := range rt.buckets {
		rt.buckets[i].cleanup(store.MaxFailCount)
	}
}

// ClosestN flattens all buckets, sorts by XOR distance to target, and
// returns the n smallest, breaking ties by insertion order (spec §4.E,
// §8 Closest-n correctness).
func (rt *RoutingTable) ClosestN(target identity.NodeID, n int) []*Node {
	rt.mu.RLock()
	var all []*Node
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	rt.mu.RUnlock()

	sorted := sortedByDistance(all, target)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// All returns every known node (used when syncing to the store).
func (rt *RoutingTable) All() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*Node
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	return all
}

// LoadFromStore seeds the table from persisted routing entries (orchestrator startup).
func (rt *RoutingTable) LoadFromStore(entries []*store.RoutingEntry) {
	now := time.Now()
	for _, e := range entries {
		var id identity.NodeID
		if b, err := hex.DecodeString(e.NodeID); err == nil && len(b) == len(id) {
			copy(id[:], b)
			rt.UpdateNode(id, transport.Destination([]byte(e.Destination)), now)
		}
	}
}

// SyncToStore persists the in-memory table (orchestrator periodic job).
func (rt *RoutingTable) SyncToStore(s *store.Store) error {
	for _, n := range rt.All() {
		idx := BucketIndex(rt.self, n.ID)
		if err := s.UpsertRoutingEntry(n.ID.String(), string(n.Destination), idx); err != nil {
			return err
		}
	}
	return nil
}
