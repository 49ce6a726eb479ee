// Package tracker implements the signed, replay-protected tracker client
// state machine of spec §4.D: disconnected -> selecting -> announcing ->
// active -> (selecting | disconnected), with periodic re-announce,
// GET_PEERS and health-check tasks modeled on the teacher's ticker-driven
// download monitor (internal/torrent/client.go monitorDownload).
package tracker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/events"
	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
	"github.com/i2pshare/node/internal/wire"
)

// State is a tracker client connection state (spec §4.D state machine).
type State int

const (
	StateDisconnected State = iota
	StateSelecting
	StateAnnouncing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSelecting:
		return "selecting"
	case StateAnnouncing:
		return "announcing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// AnnounceInterval is the re-announce period (spec §4.D periodic tasks).
const AnnounceInterval = 2 * time.Minute

// GetPeersInterval is the GET_PEERS polling period.
const GetPeersInterval = 60 * time.Second

// healthCheckInterval drives the once-a-minute liveness check.
const healthCheckInterval = 1 * time.Minute

// Presence is this node's advertised state, refreshed by the caller as
// local share counts change.
type Presence struct {
	DisplayName           string
	FilesCount            int
	TotalSize             int64
	StreamingDestination  string
}

// Client runs the tracker connection state machine against an ordered list
// of configured tracker destinations.
type Client struct {
	identity *identity.Identity
	send     wire.Sender
	bus      *events.Bus
	replay   *replayGuard

	announceInterval time.Duration
	getPeersInterval time.Duration

	mu              sync.RWMutex
	addresses       []transport.Destination
	failed          map[int]bool
	activeIdx       int
	state           State
	presence        Presence
	lastRecv        time.Time
	knownPeers      map[string]*store.Peer // keyed by destination
	discovered      map[string]bool        // keyed by destination: peer:discovered already fired
	destByShortAddr map[string]string      // short address -> last-known full destination

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a tracker client over the given destinations. send dials and
// round-trips one envelope (spec §4.C Sender/Handler pattern).
func New(id *identity.Identity, addresses []transport.Destination, send wire.Sender, bus *events.Bus, presence Presence) *Client {
	return &Client{
		identity:         id,
		send:             send,
		bus:              bus,
		replay:           newReplayGuard(),
		addresses:        addresses,
		failed:           make(map[int]bool),
		activeIdx:        -1,
		state:            StateDisconnected,
		presence:         presence,
		announceInterval: AnnounceInterval,
		getPeersInterval: GetPeersInterval,
		knownPeers:      make(map[string]*store.Peer),
		discovered:      make(map[string]bool),
		destByShortAddr: make(map[string]string),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetIntervals overrides the announce/refresh periods (spec §6
// announce_interval, refresh_interval). Must be called before Run starts.
func (c *Client) SetIntervals(announce, refresh time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if announce > 0 {
		c.announceInterval = announce
	}
	if refresh > 0 {
		c.getPeersInterval = refresh
	}
}

// AddAddresses appends newly discovered tracker destinations (e.g. from
// meta-key bootstrap) to the candidate list, skipping ones already known.
// Safe to call while Run is active; picked up on the next selecting phase.
func (c *Client) AddAddresses(addrs []transport.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range addrs {
		known := false
		for _, existing := range c.addresses {
			if existing.Equal(a) {
				known = true
				break
			}
		}
		if !known {
			c.addresses = append(c.addresses, a)
		}
	}
}

// SetPresence updates the advertised display name/share counts for the next announce.
func (c *Client) SetPresence(p Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = p
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run drives the state machine until ctx is cancelled or Stop is called.
// With no tracker addresses configured yet, it waits (meta-tracker bootstrap
// may call AddAddresses once discovery completes) rather than exiting.
func (c *Client) Run(ctx context.Context) {
	defer close(c.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateSelecting)
		idx, dest, ok := c.selectTracker()
		if !ok {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		c.setState(StateAnnouncing)
		if !c.announceBurst(ctx, dest) {
			c.markFailed(idx)
			continue
		}

		c.setState(StateActive)
		c.mu.Lock()
		c.activeIdx = idx
		c.lastRecv = time.Now()
		c.mu.Unlock()

		c.runActive(ctx, idx, dest)
	}
}

// Stop signals Run to exit and waits for it to finish.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// selectTracker picks uniformly among non-failed addresses, resetting the
// failed set if all are marked failed (spec §4.D selecting). The
// destination is resolved here, under lock, since AddAddresses can append
// to the backing slice concurrently.
func (c *Client) selectTracker() (int, transport.Destination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.addresses) == 0 {
		return 0, nil, false
	}
	candidates := make([]int, 0, len(c.addresses))
	for i := range c.addresses {
		if !c.failed[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		c.failed = make(map[int]bool)
		for i := range c.addresses {
			candidates = append(candidates, i)
		}
	}
	idx := candidates[rand.Intn(len(candidates))]
	return idx, c.addresses[idx], true
}

func (c *Client) markFailed(idx int) {
	c.mu.Lock()
	c.failed[idx] = true
	if c.activeIdx == idx {
		c.activeIdx = -1
	}
	c.mu.Unlock()
}

// announceBurst sends three ANNOUNCE messages 1s apart, waits 3s, then two
// GET_PEERS 1.5s apart (spec §4.D announcing).
func (c *Client) announceBurst(ctx context.Context, dest transport.Destination) bool {
	ok := false
	for i := 0; i < 3; i++ {
		if c.sendAnnounce(ctx, dest) {
			ok = true
		}
		if i < 2 && !sleepCtx(ctx, time.Second) {
			return false
		}
	}
	if !sleepCtx(ctx, 3*time.Second) {
		return false
	}
	for i := 0; i < 2; i++ {
		c.sendGetPeers(ctx, dest)
		if i < 1 && !sleepCtx(ctx, 1500*time.Millisecond) {
			return false
		}
	}
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runActive performs the periodic re-announce/GET_PEERS/health-check tasks
// while this tracker is active (spec §4.D periodic tasks).
func (c *Client) runActive(ctx context.Context, idx int, dest transport.Destination) {
	c.mu.RLock()
	announceInterval := c.announceInterval
	getPeersInterval := c.getPeersInterval
	c.mu.RUnlock()

	announceTicker := time.NewTicker(announceInterval)
	peersTicker := time.NewTicker(getPeersInterval)
	healthTicker := time.NewTicker(healthCheckInterval)
	defer announceTicker.Stop()
	defer peersTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-announceTicker.C:
			c.sendAnnounce(ctx, dest)
			sleepCtx(ctx, 500*time.Millisecond)
			c.sendAnnounce(ctx, dest)
		case <-peersTicker.C:
			c.sendGetPeers(ctx, dest)
		case <-healthTicker.C:
			c.mu.RLock()
			stale := time.Since(c.lastRecv) > 3*announceInterval
			c.mu.RUnlock()
			if stale {
				c.markFailed(idx)
				return
			}
		}
	}
}

func (c *Client) sendAnnounce(ctx context.Context, dest transport.Destination) bool {
	c.mu.RLock()
	p := c.presence
	c.mu.RUnlock()
	env, err := Sign(c.identity, MsgAnnounce, AnnouncePayload{
		DisplayName:          p.DisplayName,
		FilesCount:           p.FilesCount,
		TotalSize:            p.TotalSize,
		StreamingDestination: p.StreamingDestination,
	})
	if err != nil {
		return false
	}
	return c.roundTrip(ctx, dest, env)
}

func (c *Client) sendGetPeers(ctx context.Context, dest transport.Destination) bool {
	env, err := Sign(c.identity, MsgGetPeers, GetPeersPayload{})
	if err != nil {
		return false
	}
	return c.roundTrip(ctx, dest, env)
}

func (c *Client) roundTrip(ctx context.Context, dest transport.Destination, env *Envelope) bool {
	raw, err := json.Marshal(env)
	if err != nil {
		return false
	}
	respRaw, err := c.send(ctx, dest, raw, false)
	if err != nil || respRaw == nil {
		return false
	}
	var resp Envelope
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return false
	}
	if !c.replay.Accept(&resp) {
		return false
	}
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()
	c.handleResponse(&resp)
	return true
}

func (c *Client) handleResponse(env *Envelope) {
	switch env.Type {
	case MsgPeersList:
		var p PeersListPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.applyPeersList(p.Peers)
	case MsgDisconnect:
		c.setState(StateDisconnected)
	}

	var hints DHTNodesPayload
	if json.Unmarshal(env.Payload, &hints) == nil && len(hints.Nodes) > 0 {
		c.bus.Publish(events.Event{Topic: "dht:nodes", Category: events.CategoryNetwork, Data: hints.Nodes})
	}
}

// PeerReaddressed reports a peer's full destination changing while its short
// address stayed the same (spec §4.G Peer re-address).
type PeerReaddressed struct {
	ShortAddress   string
	OldDestination string
	NewDestination string
}

// applyPeersList updates known peers, firing peer:discovered for new
// destinations, peer:readdressed when a known short address resolves to a
// new destination, and peers:updated with the full snapshot (spec §4.D
// observable events, §4.G Peer re-address).
func (c *Client) applyPeersList(entries []PeerEntry) {
	now := time.Now()
	c.mu.Lock()
	seen := make(map[string]bool, len(entries))
	var discoveredNow []*store.Peer
	var readdressedNow []PeerReaddressed
	for _, e := range entries {
		seen[e.Destination] = true

		if e.ShortAddress != "" {
			if prevDest, ok := c.destByShortAddr[e.ShortAddress]; ok && prevDest != e.Destination {
				readdressedNow = append(readdressedNow, PeerReaddressed{
					ShortAddress:   e.ShortAddress,
					OldDestination: prevDest,
					NewDestination: e.Destination,
				})
				delete(c.knownPeers, prevDest)
			}
			c.destByShortAddr[e.ShortAddress] = e.Destination
		}

		p, existed := c.knownPeers[e.Destination]
		if !existed {
			p = &store.Peer{Destination: e.Destination, FirstSeen: now}
			c.knownPeers[e.Destination] = p
		}
		p.ShortAddress = e.ShortAddress
		p.DisplayName = e.DisplayName
		p.FilesCount = e.FilesCount
		p.TotalSize = e.TotalSize
		p.LastSeen = now
		if !c.discovered[e.Destination] {
			c.discovered[e.Destination] = true
			discoveredNow = append(discoveredNow, p)
		}
	}
	snapshot := make([]*store.Peer, 0, len(c.knownPeers))
	for _, p := range c.knownPeers {
		snapshot = append(snapshot, p)
	}
	c.mu.Unlock()

	for _, r := range readdressedNow {
		c.bus.Publish(events.Event{Topic: "peer:readdressed", Category: events.CategoryNetwork, Data: r})
	}
	for _, p := range discoveredNow {
		c.bus.Publish(events.Event{Topic: "peer:discovered", Category: events.CategoryNetwork, Data: p})
	}
	c.bus.Publish(events.Event{Topic: "peers:updated", Category: events.CategoryNetwork, Data: snapshot})
}

// HandleMessage answers inbound tracker-plane messages pushed by a
// tracker (the orchestrator routes messages here by source). It enforces identity
// binding: _from must match a configured tracker entry by full destination
// or short-address equality, else the message is silently ignored (spec
// §4.D Identity binding).
func (c *Client) HandleMessage(from transport.Destination, raw []byte) []byte {
	var env Envelope
	if json.Unmarshal(raw, &env) != nil {
		return nil
	}
	if !c.replay.Accept(&env) {
		return nil
	}
	if !c.fromConfiguredTracker(from) {
		return nil
	}
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()

	switch env.Type {
	case MsgPing:
		return c.ackEnvelope(MsgPong)
	default:
		c.handleResponse(&env)
		return c.ackEnvelope(MsgAck)
	}
}

func (c *Client) fromConfiguredTracker(from transport.Destination) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.addresses {
		if a.Equal(from) || a.ShortAddress() == from.ShortAddress() {
			return true
		}
	}
	return false
}

func (c *Client) ackEnvelope(t MessageType) []byte {
	env, err := Sign(c.identity, t, struct{}{})
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return raw
}

// Cleanup drops stale replay-guard nonces; call from a periodic housekeeping job.
func (c *Client) Cleanup() { c.replay.Cleanup() }
