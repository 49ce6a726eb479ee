package dht

import (
	"testing"
	"time"

	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/transport"
)

func id(b byte) identity.NodeID {
	var n identity.NodeID
	n[len(n)-1] = b
	return n
}

func TestBucketIndexXORMapping(t *testing.T) {
	self := identity.NodeID{}

	// Differs in the top bit: distance is maximal (no shared prefix), so
	// it belongs in bucket 0.
	maxDist := identity.NodeID{}
	maxDist[0] = 0x80
	if idx := BucketIndex(self, maxDist); idx != 0 {
		t.Fatalf("expected max-distance node in bucket 0, got %d", idx)
	}

	// Differs only in the bottom bit: distance is minimal (prefix shared
	// for all but the last bit), so it belongs in the last bucket.
	minDist := identity.NodeID{}
	minDist[len(minDist)-1] = 0x01
	if idx := BucketIndex(self, minDist); idx != NumBuckets-1 {
		t.Fatalf("expected min-distance node in bucket %d, got %d", NumBuckets-1, idx)
	}
}

func TestBucketIndexSelfRejected(t *testing.T) {
	self := identity.NodeID{1, 2, 3}
	if idx := BucketIndex(self, self); idx != -1 {
		t.Fatalf("self must map to -1, got %d", idx)
	}
}

func TestRoutingTableCapacityAndLRU(t *testing.T) {
	self := identity.NodeID{}
	rt := NewRoutingTable(self)
	now := time.Now()

	// All of these land in the same bucket (same distinguishing high bit).
	for i := 0; i < K+1; i++ {
		n := identity.NodeID{}
		n[0] = 0x80
		n[len(n)-1] = byte(i + 1)
		rt.UpdateNode(n, transport.Destination("dest"), now.Add(time.Duration(i)*time.Second))
	}

	idx := BucketIndex(self, identity.NodeID{0x80, 0, 0})
	rt.mu.RLock()
	count := len(rt.buckets[idx].nodes)
	rt.mu.RUnlock()
	if count != K {
		t.Fatalf("bucket should cap at %d, got %d", K, count)
	}

	// First-inserted node should still be present, since the bucket was
	// full by the time the K+1th arrived and update silently drops new
	// nodes rather than evicting.
	first := identity.NodeID{}
	first[0] = 0x80
	first[len(first)-1] = 1
	rt.mu.RLock()
	pos := rt.buckets[idx].find(first)
	rt.mu.RUnlock()
	if pos < 0 {
		t.Fatal("first-inserted node should remain in the full bucket")
	}
}

func TestClosestNOrdering(t *testing.T) {
	self := identity.NodeID{}
	rt := NewRoutingTable(self)
	now := time.Now()

	far := identity.NodeID{}
	far[0] = 0x01
	near := identity.NodeID{}
	near[len(near)-1] = 0x01

	rt.UpdateNode(far, transport.Destination("far"), now)
	rt.UpdateNode(near, transport.Destination("near"), now)

	target := identity.NodeID{}
	closest := rt.ClosestN(target, 1)
	if len(closest) != 1 || closest[0].ID != near {
		t.Fatalf("expected nearest node first, got %+v", closest)
	}
}

func TestSwarmBookExpiry(t *testing.T) {
	sb := NewSwarmBook()
	sb.Record("abc", "destA")
	if peers := sb.Peers("abc", 0, ""); len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	sb.mu.Lock()
	sb.swarms["abc"]["destA"].lastSeen = time.Now().Add(-SwarmTTL - time.Second)
	sb.mu.Unlock()
	sb.Cleanup()
	if peers := sb.Peers("abc", 0, ""); len(peers) != 0 {
		t.Fatalf("expected swarm entry to expire, got %v", peers)
	}
}
