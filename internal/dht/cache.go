package dht

import (
	"sync"
	"time"

	"github.com/i2pshare/node/internal/store"
)

// ValueCache is the in-memory DHT key/value cache, periodically synced to
// the store (spec §3 DHT value cache, §4.E STORE).
type ValueCache struct {
	mu      sync.RWMutex
	entries map[string]*store.DHTCacheEntry
}

// NewValueCache creates an empty cache.
func NewValueCache() *ValueCache {
	return &ValueCache{entries: make(map[string]*store.DHTCacheEntry)}
}

// Set stores key -> value with the given TTL.
func (c *ValueCache) Set(key string, value []byte, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &store.DHTCacheEntry{
		Key:         key,
		Value:       value,
		ExpiresAt:   now.Add(ttl),
		LastUpdated: now,
	}
}

// Get returns the value for key, or nil if absent/expired.
func (c *ValueCache) Get(key string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil
	}
	return e.Value
}

// Cleanup deletes expired entries.
func (c *ValueCache) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}

// SyncToStore persists every entry (orchestrator periodic job).
func (c *ValueCache) SyncToStore(s *store.Store) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		remaining := time.Until(e.ExpiresAt)
		if remaining <= 0 {
			continue
		}
		if err := s.SetDHTValue(e.Key, e.Value, remaining); err != nil {
			return err
		}
	}
	return nil
}

// SwarmTTL is how long an inactive swarm entry survives (spec §3 Torrent
// peers: "entries expire after 30 minutes of inactivity").
const SwarmTTL = 30 * time.Minute

// swarmPeer is one {destination, last_seen} entry under an info_hash.
type swarmPeer struct {
	destination string
	lastSeen    time.Time
}

// SwarmBook is the in-memory info_hash -> destination -> swarmPeer map
// backing BEP-5-style get_peers/announce_peer (spec §3 Torrent peers),
// also reused to announce tracker destinations under the meta-key.
type SwarmBook struct {
	mu     sync.RWMutex
	swarms map[string]map[string]*swarmPeer
}

// NewSwarmBook creates an empty swarm book.
func NewSwarmBook() *SwarmBook {
	return &SwarmBook{swarms: make(map[string]map[string]*swarmPeer)}
}

// Record adds/refreshes destination under infoHash.
func (s *SwarmBook) Record(infoHash, destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.swarms[infoHash]
	if !ok {
		m = make(map[string]*swarmPeer)
		s.swarms[infoHash] = m
	}
	m[destination] = &swarmPeer{destination: destination, lastSeen: time.Now()}
}

// Peers returns up to limit destinations registered under infoHash,
// excluding exclude if non-empty.
func (s *SwarmBook) Peers(infoHash string, limit int, exclude string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.swarms[infoHash]
	out := make([]string, 0, len(m))
	for dest := range m {
		if dest == exclude {
			continue
		}
		out = append(out, dest)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Cleanup expires swarm entries older than SwarmTTL (spec §4.E Cleanup).
func (s *SwarmBook) Cleanup() {
	cutoff := time.Now().Add(-SwarmTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for infoHash, m := range s.swarms {
		for dest, p := range m {
			if p.lastSeen.Before(cutoff) {
				delete(m, dest)
			}
		}
		if len(m) == 0 {
			delete(s.swarms, infoHash)
		}
	}
}
