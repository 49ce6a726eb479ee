package dht

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/transport"
)

// Search runs the iterative FIND_VALUE lookup described in spec §4.E
// Iterative search: seed with the alpha closest known nodes, fan out
// FIND_VALUE to unvisited nodes, follow closer_nodes until pending is
// empty or the deadline elapses. Results are ranked with filename
// substring matches first, ties preserving insertion order.
func (d *DHT) Search(ctx context.Context, query string, filters map[string]string, timeout time.Duration) []SearchResult {
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := identity.NodeID(identity.InfoHash([]byte(strings.ToLower(query))))

	l := &lookup{
		dht:     d,
		target:  target,
		visited: make(map[identity.NodeID]bool),
	}
	l.seed(d.routing.ClosestN(target, Alpha))

	var (
		mu      sync.Mutex
		byHash  = make(map[string]SearchResult)
		order   []string
	)

	l.run(ctx, func(n *Node) []*Node {
		var resp FindValueResponse
		if !d.request(ctx, n.Destination, MsgFindValue, FindValuePayload{
			Target: target.String(),
			Query:  query,
			Filters: filters,
			Origin: string(d.selfDest),
		}, &resp) {
			return nil
		}
		mu.Lock()
		for _, r := range resp.Results {
			if _, ok := byHash[r.ContentHash]; !ok {
				order = append(order, r.ContentHash)
			}
			byHash[r.ContentHash] = r
		}
		mu.Unlock()
		return closerNodes(resp.CloserNodes)
	})

	results := make([]SearchResult, 0, len(order))
	for _, h := range order {
		results = append(results, byHash[h])
	}

	q := strings.ToLower(query)
	sort.SliceStable(results, func(i, j int) bool {
		mi := strings.Contains(strings.ToLower(results[i].Filename), q)
		mj := strings.Contains(strings.ToLower(results[j].Filename), q)
		return mi && !mj
	})
	return results
}

// PeerLookup runs the GET_PEERS-iterative lookup of spec §4.E Peer lookup:
// fan out GET_PEERS for infoHash, cache returned tokens, collect peer
// destinations until maxLookupResults are found or the deadline elapses.
func (d *DHT) PeerLookup(ctx context.Context, infoHash string, timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := parseNodeID(infoHash)
	if err != nil {
		return nil
	}

	l := &lookup{
		dht:     d,
		target:  target,
		visited: make(map[identity.NodeID]bool),
	}
	l.seed(d.routing.ClosestN(target, Alpha))

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		out  []string
	)

	l.run(ctx, func(n *Node) []*Node {
		mu.Lock()
		done := len(out) >= maxLookupResults
		mu.Unlock()
		if done {
			return nil
		}
		var resp GetPeersResponse
		if !d.request(ctx, n.Destination, MsgGetPeers, GetPeersPayload{
			InfoHash: infoHash,
			Origin:   string(d.selfDest),
		}, &resp) {
			return nil
		}
		if resp.Token != "" {
			d.reqTokens.store(n.ID.String(), string(n.Destination), resp.Token)
		}
		mu.Lock()
		for _, p := range resp.Peers {
			if p == string(d.selfDest) || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
		mu.Unlock()
		return closerNodes(resp.Nodes)
	})

	if len(out) > maxLookupResults {
		out = out[:maxLookupResults]
	}
	return out
}

func closerNodes(wire []WireNode) []*Node {
	nodes := make([]*Node, 0, len(wire))
	for _, w := range wire {
		id, err := parseNodeID(w.NodeID)
		if err != nil {
			continue
		}
		nodes = append(nodes, &Node{ID: id, Destination: transport.Destination(w.Destination)})
	}
	return nodes
}

// lookup tracks visited/pending node sets shared by Search and PeerLookup.
type lookup struct {
	dht     *DHT
	target  identity.NodeID
	mu      sync.Mutex
	visited map[identity.NodeID]bool
	pending []*Node
}

func (l *lookup) seed(nodes []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range nodes {
		if !l.visited[n.ID] {
			l.visited[n.ID] = true
			l.pending = append(l.pending, n)
		}
	}
}

// run drives the fan-out in rounds of up to Alpha concurrent visits: each
// round drains the current pending set, visits it in parallel, and feeds
// any closer nodes the visits return back into pending for the next round,
// until pending is empty or ctx's deadline elapses.
func (l *lookup) run(ctx context.Context, visitFn func(*Node) []*Node) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		round := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(round) == 0 {
			return
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, Alpha)
		for _, n := range round {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				defer func() { <-sem }()
				closer := visitFn(n)
				if ctx.Err() != nil {
					return
				}
				l.dht.routing.UpdateNode(n.ID, n.Destination, time.Now())
				l.seed(closer)
			}(n)
		}
		wg.Wait()
	}
}
