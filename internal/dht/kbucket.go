// Package dht implements the Kademlia routing table, iterative search,
// peer-lookup/announce flows and the meta-tracker discovery channel
// (spec §4.E). No DHT exists in the teacher repo; BitTorrent-DHT concepts
// are standard across the retrieval pack (see DESIGN.md), so this package
// is written fresh in the teacher's small-package, mutex-guarded-struct
// idiom rather than adapted line-by-line from any single file.
package dht

import (
	"sort"
	"time"

	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/transport"
)

// K is the bucket capacity and replication factor (spec §4.E).
const K = 20

// Alpha is the iterative-lookup concurrency parameter (spec §4.E).
const Alpha = 3

// NumBuckets is the number of bits in the ID space, one bucket per bit.
const NumBuckets = 160

// Node is a known routing-table entry (spec §3 Routing table).
type Node struct {
	ID          identity.NodeID
	Destination transport.Destination
	LastSeen    time.Time
	FailCount   int
}

// bucket is a bounded LRU list of Nodes sharing a bit-prefix distance to
// self (spec §3 invariant i/ii, §8 Routing LRU + capacity).
type bucket struct {
	nodes []*Node // index 0 = least recently used, last = most recently used
}

// find returns the index of id in the bucket, or -1.
func (b *bucket) find(id identity.NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// update implements spec §4.E update_node and the "silent ignore" open
// question from §9: if present, move-to-tail and refresh; else if the
// bucket has room, append; else drop without pinging the LRU entry.
func (b *bucket) update(id identity.NodeID, dest transport.Destination, now time.Time) {
	if i := b.find(id); i >= 0 {
		n := b.nodes[i]
		n.Destination = dest
		n.LastSeen = now
		b.nodes = append(append(b.nodes[:i], b.nodes[i+1:]...), n)
		return
	}
	if len(b.nodes) >= K {
		return // full: drop the new node, no eviction-by-ping
	}
	b.nodes = append(b.nodes, &Node{ID: id, Destination: dest, LastSeen: now})
}

// incrementFail bumps a node's fail count; the caller is responsible for
// evicting entries at/above store.MaxFailCount during cleanup.
func (b *bucket) incrementFail(id identity.NodeID) {
	if i := b.find(id); i >= 0 {
		b.nodes[i].FailCount++
	}
}

// cleanup evicts entries with FailCount >= maxFail (spec §3 invariant iii).
func (b *bucket) cleanup(maxFail int) {
	kept := b.nodes[:0]
	for _, n := range b.nodes {
		if n.FailCount < maxFail {
			kept = append(kept, n)
		}
	}
	b.nodes = kept
}

// sortedByDistance returns bucket nodes sorted nearest-first to target,
// preserving insertion order on ties (stable sort).
func sortedByDistance(nodes []*Node, target identity.NodeID) []*Node {
	out := make([]*Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].ID.XOR(target), out[j].ID.XOR(target))
	})
	return out
}

func less(a, b identity.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
