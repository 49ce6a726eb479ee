package tracker

import (
	"testing"
	"time"

	"github.com/i2pshare/node/internal/transport"
)

func destOf(prefix byte, length int, tailByte byte) transport.Destination {
	d := make(transport.Destination, length)
	for i := 0; i < length-1; i++ {
		d[i] = prefix
	}
	d[length-1] = tailByte
	return d
}

func TestSelectTrackerResetsFailedSetWhenExhausted(t *testing.T) {
	addrs := []transport.Destination{destOf('a', 50, 1), destOf('a', 50, 2), destOf('a', 50, 3)}
	id := newTestIdentity(t)
	c := New(id, addrs, nil, nil, Presence{})

	for i := range addrs {
		c.markFailed(i)
	}
	idx, dest, ok := c.selectTracker()
	if !ok {
		t.Fatal("expected selectTracker to recover once every address has failed")
	}
	if dest == nil || int(idx) >= len(addrs) {
		t.Fatalf("selectTracker returned an invalid index/destination: idx=%d dest=%v", idx, dest)
	}
}

func TestSelectTrackerEmptyAddressList(t *testing.T) {
	id := newTestIdentity(t)
	c := New(id, nil, nil, nil, Presence{})
	if _, _, ok := c.selectTracker(); ok {
		t.Fatal("expected selectTracker to report no candidates with an empty address list")
	}
}

func TestAddAddressesSkipsDuplicates(t *testing.T) {
	id := newTestIdentity(t)
	a := destOf('a', 50, 1)
	c := New(id, []transport.Destination{a}, nil, nil, Presence{})

	c.AddAddresses([]transport.Destination{a, destOf('b', 50, 1)})

	c.mu.RLock()
	n := len(c.addresses)
	c.mu.RUnlock()
	if n != 2 {
		t.Fatalf("expected duplicate address to be skipped, got %d addresses", n)
	}
}

func TestSetIntervalsOverridesDefaults(t *testing.T) {
	id := newTestIdentity(t)
	c := New(id, nil, nil, nil, Presence{})

	c.SetIntervals(30*time.Second, 10*time.Second)

	c.mu.RLock()
	announce, refresh := c.announceInterval, c.getPeersInterval
	c.mu.RUnlock()
	if announce != 30*time.Second {
		t.Fatalf("expected announceInterval override to take effect, got %v", announce)
	}
	if refresh != 10*time.Second {
		t.Fatalf("expected getPeersInterval override to take effect, got %v", refresh)
	}
}

func TestSetIntervalsIgnoresZeroValues(t *testing.T) {
	id := newTestIdentity(t)
	c := New(id, nil, nil, nil, Presence{})

	c.SetIntervals(0, 0)

	c.mu.RLock()
	announce, refresh := c.announceInterval, c.getPeersInterval
	c.mu.RUnlock()
	if announce != AnnounceInterval {
		t.Fatalf("expected zero override to keep default announceInterval, got %v", announce)
	}
	if refresh != GetPeersInterval {
		t.Fatalf("expected zero override to keep default getPeersInterval, got %v", refresh)
	}
}

func TestFromConfiguredTrackerMatchesByShortAddress(t *testing.T) {
	// Two destinations that share a 52-char base32 prefix (it covers only
	// the first 32.5 raw bytes; these differ only in byte 49) must be
	// treated as the same tracker even though their full byte
	// representations differ.
	configured := destOf('x', 50, 0x01)
	sameShortAddr := destOf('x', 50, 0x02)
	different := destOf('y', 50, 0x01)

	id := newTestIdentity(t)
	c := New(id, []transport.Destination{configured}, nil, nil, Presence{})

	if !c.fromConfiguredTracker(sameShortAddr) {
		t.Fatal("expected a destination sharing the configured tracker's short address to match")
	}
	if c.fromConfiguredTracker(different) {
		t.Fatal("expected an unrelated destination not to match")
	}
}
