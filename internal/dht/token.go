package dht

import "sync"

// tokenCache holds tokens this node received from other nodes' GET_PEERS
// responses, keyed by both node ID and destination so the subsequent
// ANNOUNCE_PEER can look either up (spec §4.E Announce flow, step 1).
type tokenCache struct {
	mu          sync.Mutex
	byNodeID    map[string]string
	byDestination map[string]string
}

func newTokenCache() *tokenCache {
	return &tokenCache{
		byNodeID:      make(map[string]string),
		byDestination: make(map[string]string),
	}
}

func (t *tokenCache) store(nodeID, destination, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byNodeID[nodeID] = token
	t.byDestination[destination] = token
}

func (t *tokenCache) forDestination(destination string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.byDestination[destination]
	return tok, ok
}
