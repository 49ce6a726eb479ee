package dht

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/i2pshare/node/internal/identity"
)

// metaKeySeed is hashed to derive the well-known meta-tracker info_hash
// (spec §4.E Meta-tracker bootstrap): every node announces and looks up
// tracker destinations under this fixed key instead of a file's hash.
const metaKeySeed = "i2p-share-trackers"

// MetaKey is the fixed info_hash under which tracker destinations are
// announced and discovered.
var MetaKey = hex.EncodeToString(metaInfoHash())

func metaInfoHash() []byte {
	h := identity.InfoHash([]byte(metaKeySeed))
	return h[:]
}

// AnnounceTracker publishes this node's own tracker destination (run by a
// node that is itself acting as a tracker) under MetaKey.
func (d *DHT) AnnounceTracker(ctx context.Context, trackerDestination string) {
	d.Announce(ctx, MetaKey, trackerDestination)
}

// DiscoverTrackers returns tracker destinations announced under MetaKey,
// used to bootstrap a node with no configured tracker addresses (spec
// §4.E Meta-tracker bootstrap).
func (d *DHT) DiscoverTrackers(ctx context.Context, timeout time.Duration) []string {
	return d.PeerLookup(ctx, MetaKey, timeout)
}
