// Package orchestrator wires components B-G together (spec §4.H): a
// single inbound dispatch point that demultiplexes by source and message
// class, plus the periodic housekeeping jobs and shutdown sequencing.
// Adapted from the teacher's cmd/omnicloud/main.go construction order
// (store -> identity -> transport -> domain components -> background
// goroutines -> signal-driven shutdown).
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/config"
	"github.com/i2pshare/node/internal/dht"
	"github.com/i2pshare/node/internal/events"
	"github.com/i2pshare/node/internal/identity"
	"github.com/i2pshare/node/internal/index"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/tracker"
	"github.com/i2pshare/node/internal/transfer"
	"github.com/i2pshare/node/internal/transport"
	"github.com/i2pshare/node/internal/wire"
)

// metaReannounceInterval propagates this node's tracker destinations to
// the DHT meta-key swarm (spec §4.H periodic jobs).
const metaReannounceInterval = 5 * time.Minute

// housekeepingInterval drives token rotation, replay-guard and swarm/
// routing-table cleanup (spec §4.H periodic jobs: "housekeeping").
const housekeepingInterval = time.Minute

// Orchestrator owns every long-running component and the single inbound
// dispatch callback described in spec §4.H.
type Orchestrator struct {
	cfg      *config.Config
	id       *identity.Identity
	store    *store.Store
	dial     transport.Factory
	bus      *events.Bus

	trackerAddrsMu sync.RWMutex
	trackerAddrs   []transport.Destination
	trackerClient  *tracker.Client
	dht           *dht.DHT
	indexer       *index.Indexer
	transferSrv   *transfer.Server
	manager       *transfer.Manager

	send wire.Sender

	isTracker bool
}

// Deps bundles the already-constructed infrastructure an Orchestrator wires together.
type Deps struct {
	Config  *config.Config
	ID      *identity.Identity
	Store   *store.Store
	Dial    transport.Factory
	Bus     *events.Bus
	IsTracker bool // this node additionally runs the tracker role
}

// New constructs every domain component and wires the dispatch callback
// (spec §4.H "register a single inbound message callback").
func New(deps Deps) *Orchestrator {
	send := wire.NewSender(deps.Dial, deps.Config.ConnectionTimeout)

	addrs := make([]transport.Destination, 0, len(deps.Config.TrackerAddresses))
	for _, a := range deps.Config.TrackerAddresses {
		addrs = append(addrs, transport.Destination(a))
	}

	tc := tracker.New(deps.ID, addrs, send, deps.Bus, tracker.Presence{
		DisplayName: deps.Config.DisplayName,
	})
	tc.SetIntervals(deps.Config.AnnounceInterval, deps.Config.RefreshInterval)

	tokens, err := identity.NewTokenManager()
	if err != nil {
		log.Fatalf("orchestrator: init token manager: %v", err)
	}
	d := dht.New(deps.ID.NodeID, deps.Dial.LocalDestination(), tokens, send, deps.Bus)

	ix := index.New(deps.Store, deps.Config.DisplayName)
	d.SetContentSearcher(ix)

	srv := transfer.NewServer(deps.Store, deps.Config.BandwidthCapBps)
	mgr := transfer.NewManager(deps.Store, deps.Dial, deps.Bus, deps.Config.DownloadPath, deps.Config.ConnectionTimeout, deps.Config.MaxParallelDownloads)
	mgr.SetRetryPolicy(deps.Config.RetryBaseDelay, deps.Config.RetryMaxDelay, deps.Config.MaxRetries)
	mgr.SetMinFreeSpace(deps.Config.MinFreeSpaceBytes)

	return &Orchestrator{
		cfg:           deps.Config,
		id:            deps.ID,
		store:         deps.Store,
		dial:          deps.Dial,
		bus:           deps.Bus,
		trackerAddrs:  addrs,
		trackerClient: tc,
		dht:           d,
		indexer:       ix,
		transferSrv:   srv,
		manager:       mgr,
		send:          send,
		isTracker:     deps.IsTracker,
	}
}

// Start loads persisted state, brings up every background task, and
// begins serving inbound connections. It blocks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	entries, err := o.store.GetAllRoutingEntries()
	if err != nil {
		return err
	}
	o.dht.LoadRoutingTable(entries)

	if o.cfg.AutoResumeOnStart {
		o.manager.ResumeAllPaused()
	}

	listener, err := o.dial.Listen(ctx)
	if err != nil {
		return err
	}

	go o.acceptLoop(ctx, listener)
	go o.trackerClient.Run(ctx)
	go o.manager.Run(ctx)
	go o.housekeeping(ctx)
	go o.metaReannounce(ctx)
	go o.watchPeerReaddress(ctx)

	if o.isTracker {
		go o.dht.AnnounceTracker(ctx, string(o.dial.LocalDestination()))
	} else if len(o.trackerAddrs) == 0 {
		go o.bootstrapFromMeta(ctx)
	}

	<-ctx.Done()
	o.trackerClient.Stop()
	o.manager.Stop()
	listener.Close()
	return nil
}

// bootstrapFromMeta discovers tracker destinations via the DHT meta-key
// when no tracker_addresses are configured (spec §4.E meta-tracker bootstrap).
func (o *Orchestrator) bootstrapFromMeta(ctx context.Context) {
	found := o.dht.DiscoverTrackers(ctx, dht.DefaultLookupTimeout)
	if len(found) == 0 {
		log.Printf("[orchestrator] no tracker addresses configured and none discovered via meta-key")
		return
	}
	addrs := make([]transport.Destination, 0, len(found))
	for _, f := range found {
		addrs = append(addrs, transport.Destination(f))
	}
	o.trackerAddrsMu.Lock()
	o.trackerAddrs = append(o.trackerAddrs, addrs...)
	o.trackerAddrsMu.Unlock()
	o.trackerClient.AddAddresses(addrs)
	log.Printf("[orchestrator] discovered %d tracker(s) via meta-key bootstrap", len(found))
}

// watchPeerReaddress re-addresses in-flight downloads whenever the tracker
// client reports a peer's destination changing under the same short address
// (spec §4.G Peer re-address).
func (o *Orchestrator) watchPeerReaddress(ctx context.Context) {
	sub := o.bus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev.Topic != "peer:readdressed" {
				continue
			}
			r, ok := ev.Data.(tracker.PeerReaddressed)
			if !ok {
				continue
			}
			o.manager.ReaddressByPeerDestination(r.OldDestination, r.NewDestination)
		}
	}
}

func (o *Orchestrator) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.trackerClient.Cleanup()
			o.dht.Cleanup()
			if err := o.dht.SyncToStore(o.store); err != nil {
				log.Printf("[orchestrator] sync routing/cache to store: %v", err)
			}
			if err := o.indexer.SeedInfoHash(); err != nil {
				log.Printf("[orchestrator] seed info_hash: %v", err)
			}
		}
	}
}

func (o *Orchestrator) metaReannounce(ctx context.Context) {
	ticker := time.NewTicker(metaReannounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.isTracker {
				o.dht.AnnounceTracker(ctx, string(o.dial.LocalDestination()))
			}
		}
	}
}

// acceptLoop demultiplexes inbound connections into the control plane
// (tracker + DHT, one JSON message per stream) and the transfer plane
// (dedicated long-lived streams handed to G directly), per spec §4.H.
// The two planes are told apart by their first byte: control-plane
// messages are length-prefixed (u32 length, always < wire.MaxMessageSize
// so its high byte is always 0x00), while every transfer frame tag is
// 0x01-0x05.
func (o *Orchestrator) acceptLoop(ctx context.Context, listener transport.Listener) {
	for {
		conn, from, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go o.routeConn(conn, from)
	}
}

func (o *Orchestrator) routeConn(conn transport.Conn, from transport.Destination) {
	var first [1]byte
	if _, err := conn.Read(first[:]); err != nil {
		conn.Close()
		return
	}

	pc := &peekedConn{Conn: conn, peeked: first[0], havePeeked: true}

	if first[0] >= 0x01 && first[0] <= 0x05 {
		o.transferSrv.HandleConn(pc, from)
		return
	}

	defer pc.Close()
	payload, err := wire.ReadMessage(pc)
	if err != nil {
		return
	}
	resp := o.dispatch(from, payload)
	if resp != nil {
		wire.WriteMessage(pc, resp)
	}
}

// dispatch implements spec §4.H's message-class routing: tracker messages
// matched by source, DHT messages routed by their own type field.
func (o *Orchestrator) dispatch(from transport.Destination, payload []byte) []byte {
	if o.fromConfiguredTracker(from) {
		return o.trackerClient.HandleMessage(from, payload)
	}
	if looksLikeDHTEnvelope(payload) {
		return o.dht.HandleMessage(from, payload)
	}
	return nil
}

func (o *Orchestrator) fromConfiguredTracker(from transport.Destination) bool {
	o.trackerAddrsMu.RLock()
	defer o.trackerAddrsMu.RUnlock()
	for _, a := range o.trackerAddrs {
		if a.Equal(from) || a.ShortAddress() == from.ShortAddress() {
			return true
		}
	}
	return false
}

// looksLikeDHTEnvelope distinguishes a DHT-plane envelope from a
// tracker-plane one when the source isn't a configured tracker: the DHT
// envelope carries node_id, the tracker envelope carries public_key.
func looksLikeDHTEnvelope(payload []byte) bool {
	var probe struct {
		NodeID    string `json:"node_id"`
		PublicKey string `json:"public_key"`
	}
	if json.Unmarshal(payload, &probe) != nil {
		return false
	}
	return probe.NodeID != "" && probe.PublicKey == ""
}

// peekedConn replays a single already-consumed byte before the rest of
// the underlying stream, so the protocol-specific reader downstream sees
// an unmodified byte sequence.
type peekedConn struct {
	transport.Conn
	peeked     byte
	havePeeked bool
}

func (p *peekedConn) Read(b []byte) (int, error) {
	if p.havePeeked {
		p.havePeeked = false
		b[0] = p.peeked
		if len(b) == 1 {
			return 1, nil
		}
		n, err := p.Conn.Read(b[1:])
		return n + 1, err
	}
	return p.Conn.Read(b)
}
