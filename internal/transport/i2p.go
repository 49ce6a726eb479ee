package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/majestrate/i2p-tools/sam3"
)

// SAMFactory implements Factory over an I2P SAM bridge (spec §4.C). It is
// the only component in the core that imports an anonymous-network
// library directly; everything upstream of it programs against Factory.
type SAMFactory struct {
	bridgeAddr string
	sam        *sam3.SAM
	session    *sam3.StreamSession
	localDest  Destination

	mu      sync.Mutex
	closed  bool
}

// NewSAMFactory dials the local SAM bridge, generates (or could load) a
// destination keypair, and opens a streaming session under sessionID.
func NewSAMFactory(bridgeAddr, sessionID string) (*SAMFactory, error) {
	sam, err := sam3.NewSAM(bridgeAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to SAM bridge %s: %w", bridgeAddr, err)
	}

	keys, err := sam.NewKeys()
	if err != nil {
		sam.Close()
		return nil, fmt.Errorf("transport: generate destination keys: %w", err)
	}

	session, err := sam.NewStreamSession(sessionID, keys, []string{"inbound.length=2", "outbound.length=2"})
	if err != nil {
		sam.Close()
		return nil, fmt.Errorf("transport: open stream session: %w", err)
	}

	log.Printf("[transport] local destination ready: %s", Destination(keys.Addr().Base32()).ShortAddress())

	return &SAMFactory{
		bridgeAddr: bridgeAddr,
		sam:        sam,
		session:    session,
		localDest:  Destination([]byte(keys.Addr().Base32())),
	}, nil
}

func (f *SAMFactory) LocalDestination() Destination { return f.localDest }

// Dial opens a fresh outbound stream to dest, honoring timeout (spec §4.C:
// default 120s connection timeout reflecting anonymous-tunnel latency).
func (f *SAMFactory) Dial(ctx context.Context, dest Destination, timeout time.Duration) (Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		addr, err := f.sam.Lookup(string(dest))
		if err != nil {
			resultCh <- dialResult{nil, fmt.Errorf("transport: lookup destination: %w", err)}
			return
		}
		conn, err := f.session.DialI2P(addr)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("transport: dial %s: %w", dest.ShortAddress(), context.DeadlineExceeded)
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", dest.ShortAddress(), res.err)
		}
		return newStreamConn(res.conn, dest), nil
	}
}

// Listen registers the session's accept loop as the forward primitive.
func (f *SAMFactory) Listen(ctx context.Context) (Listener, error) {
	listener, err := f.session.Listen()
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &samListener{ctx: ctx, listener: listener}, nil
}

func (f *SAMFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.session != nil {
		f.session.Close()
	}
	return f.sam.Close()
}

type samListener struct {
	ctx      context.Context
	listener *sam3.StreamListener
}

func (l *samListener) Accept() (Conn, Destination, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: accept: %w", err)
	}
	remote := Destination([]byte(remoteAddrString(conn)))
	return newStreamConn(conn, remote), remote, nil
}

func (l *samListener) Close() error { return l.listener.Close() }

func remoteAddrString(conn net.Conn) string {
	if conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// streamConn adapts a net.Conn (the SAM stream) to the Conn interface,
// adding queue-before-connect semantics and a lifecycle event channel
// (spec §4.C). The wrap-a-raw-duplex-connection shape mirrors the
// teacher's relay.Client control/session connection handling.
type streamConn struct {
	mu     sync.Mutex
	conn   net.Conn
	remote Destination
	state  State
	events chan Event

	writeQueue [][]byte
}

func newStreamConn(conn net.Conn, remote Destination) *streamConn {
	c := &streamConn{
		conn:   conn,
		remote: remote,
		state:  StateConnected,
		events: make(chan Event, 8),
	}
	c.emit(Event{Type: EventConnect})
	return c
}

// Connect is a no-op for already-established SAM streams; it exists to
// satisfy the Conn contract for listener-side connections and symmetry
// with client-side dials that pass through SAMFactory.Dial instead.
func (c *streamConn) Connect(ctx context.Context, dest Destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		return nil
	}
	return fmt.Errorf("transport: Connect called on a %s connection", c.state)
}

func (c *streamConn) Read(p []byte) (int, error) {
	if c.State() == StateClosed {
		return 0, ErrClosed
	}
	n, err := c.conn.Read(p)
	if err != nil {
		c.emit(Event{Type: EventError, Err: err})
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateClosed {
		return 0, ErrClosed
	}
	if state == StateConnecting {
		c.mu.Lock()
		c.writeQueue = append(c.writeQueue, append([]byte(nil), p...))
		c.mu.Unlock()
		return len(p), nil
	}

	n, err := c.conn.Write(p)
	if err != nil {
		c.emit(Event{Type: EventError, Err: err})
	}
	return n, err
}

func (c *streamConn) flushQueued() {
	c.mu.Lock()
	queued := c.writeQueue
	c.writeQueue = nil
	c.mu.Unlock()
	for _, buf := range queued {
		c.conn.Write(buf)
	}
}

// Close tears down both directions; half-open close is disallowed (spec §4.C).
func (c *streamConn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	err := c.conn.Close()

	c.emit(Event{Type: EventClose})
	c.mu.Lock()
	c.state = StateClosed
	close(c.events)
	c.mu.Unlock()
	return err
}

func (c *streamConn) RemoteShortAddress() string { return c.remote.ShortAddress() }

func (c *streamConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamConn) Events() <-chan Event { return c.events }

func (c *streamConn) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return // events channel already closed
	}
	select {
	case c.events <- ev:
	default:
		// A slow/released listener must never block the connection
		// (spec §5: publishing is non-blocking and may drop listeners).
	}
}
