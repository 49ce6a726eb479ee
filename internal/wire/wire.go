// Package wire is the shared one-message-per-stream control-plane
// primitive used by both the tracker client (D) and the DHT (E): dial,
// write a length-prefixed JSON payload, optionally read one response,
// close. Adapted from the teacher's internal/relay/protocol.go
// (SendMessage/ReadMessage over a persistent connection), generalized to
// length-prefixed JSON frames over a fresh stream per message, matching
// spec §6's "one [message] per datagram/message" tracker/DHT planes.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/i2pshare/node/internal/transport"
)

// MaxMessageSize bounds a single control-plane message (protocol violation
// guard, spec §7).
const MaxMessageSize = 1 << 20 // 1 MiB

// ErrMessageTooLarge is returned when a peer's declared length exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("wire: message exceeds maximum size")

// WriteMessage writes a 4-byte big-endian length prefix followed by payload.
func WriteMessage(conn transport.Conn, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message.
func ReadMessage(conn transport.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(readerFunc(conn.Read), hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(readerFunc(conn.Read), buf); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return buf, nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Sender opens a fresh stream to dest, writes payload, and — unless
// oneWay — reads a single response before closing. This is the
// "identifier plus a send(destination, message) function object" handle
// described in spec §9: callers hold a Sender, never a back-pointer to
// the transport factory or to each other.
type Sender func(ctx context.Context, dest transport.Destination, payload []byte, oneWay bool) ([]byte, error)

// NewSender binds a Sender to a transport factory and default timeout.
func NewSender(factory transport.Factory, timeout time.Duration) Sender {
	return func(ctx context.Context, dest transport.Destination, payload []byte, oneWay bool) ([]byte, error) {
		conn, err := factory.Dial(ctx, dest, timeout)
		if err != nil {
			return nil, fmt.Errorf("wire: dial %s: %w", dest.ShortAddress(), err)
		}
		defer conn.Close()

		if err := WriteMessage(conn, payload); err != nil {
			return nil, err
		}
		if oneWay {
			return nil, nil
		}
		return ReadMessage(conn)
	}
}

// Handler processes one inbound message and returns an optional response
// payload (nil for one-way messages).
type Handler func(from transport.Destination, payload []byte) []byte

// Serve runs the accept loop for a Listener, handing each inbound stream's
// single message to handler and writing back any non-nil response. A
// malformed frame closes just that stream (spec §7 protocol violation
// handling); it never propagates to the caller.
func Serve(ctx context.Context, listener transport.Listener, handler Handler) {
	for {
		conn, from, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		go func() {
			defer conn.Close()
			payload, err := ReadMessage(conn)
			if err != nil {
				return
			}
			if resp := handler(from, payload); resp != nil {
				WriteMessage(conn, resp)
			}
		}()
	}
}
