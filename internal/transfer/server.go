package transfer

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
)

// MaxConcurrentSessions bounds inbound upload sessions (spec §4.G server contract).
const MaxConcurrentSessions = 10

// Server answers inbound FILE_REQUEST streams by serving bytes from the
// local shared-file index. Session bookkeeping is adapted from the
// teacher's queue.go worker-count pattern (mutex-guarded counter gating a
// fixed slot budget).
type Server struct {
	store   *store.Store
	limiter *rate.Limiter // nil means no bandwidth cap

	mu       sync.Mutex
	sessions int
	maxSlots int
}

// NewServer wires a Server to the local store. bandwidthCapBps <= 0 disables
// the bandwidth cap.
func NewServer(s *store.Store, bandwidthCapBps int) *Server {
	srv := &Server{store: s, maxSlots: MaxConcurrentSessions}
	if bandwidthCapBps > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(bandwidthCapBps), ChunkSize)
	}
	return srv
}

// HandleConn serves one inbound transfer-plane stream end to end. It reads
// exactly one FILE_REQUEST and, on success, streams the remainder of the
// connection's lifetime sending FILE_CHUNK frames.
func (s *Server) HandleConn(conn transport.Conn, from transport.Destination) {
	defer conn.Close()

	if !s.acquireSlot() {
		writeFileError(conn, "server busy")
		return
	}
	defer s.releaseSlot()

	fr := newFrameReader(conn)
	fm, err := fr.readFrame()
	if err != nil || fm.Type != FrameFileRequest {
		writeFileError(conn, "expected file_request")
		return
	}

	var req FileRequest
	if err := unmarshalJSON(fm.Payload, &req); err != nil {
		writeFileError(conn, "malformed file_request")
		return
	}

	f, err := s.store.GetByContentHash(req.ContentHash)
	if err != nil || f == nil || !f.Shared {
		writeFileError(conn, "unknown content_hash")
		return
	}
	if req.StartOffset < 0 || req.StartOffset >= f.Size {
		writeFileError(conn, "invalid start_offset")
		return
	}

	file, err := os.Open(f.Path)
	if err != nil {
		log.Printf("[transfer] serve %s: open %s: %v", req.ContentHash, f.Path, err)
		writeFileError(conn, "source file unreadable")
		return
	}
	defer file.Close()

	if _, err := file.Seek(req.StartOffset, io.SeekStart); err != nil {
		writeFileError(conn, "seek failed")
		return
	}

	if err := writeFileHeader(conn, FileHeader{
		ContentHash: req.ContentHash,
		Filename:    f.Filename,
		TotalSize:   f.Size,
		StartOffset: req.StartOffset,
	}); err != nil {
		return
	}

	sent, err := s.streamChunks(conn, file, req.StartOffset)
	if err != nil {
		writeFileError(conn, fmt.Sprintf("read error: %v", err))
		return
	}
	writeFileComplete(conn, sent)
}

// streamChunks sends the file from offset to EOF in ChunkSize frames,
// applying the bandwidth cap between chunks when configured (spec §4.G
// "pause and resume after the computed delay"). Backpressure from the
// underlying connection naturally blocks Write; there is no separate
// high-water-mark signal to poll in this transport abstraction.
func (s *Server) streamChunks(w io.Writer, r io.Reader, startOffset int64) (int64, error) {
	buf := make([]byte, ChunkSize)
	offset := startOffset
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				if err := s.limiter.WaitN(noCancel(), n); err != nil {
					return offset - startOffset, err
				}
			}
			if err := writeFileChunk(w, offset, buf[:n]); err != nil {
				return offset - startOffset, err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			return offset - startOffset, nil
		}
		if readErr != nil {
			return offset - startOffset, readErr
		}
	}
}

func (s *Server) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions >= s.maxSlots {
		return false
	}
	s.sessions++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	s.sessions--
	s.mu.Unlock()
}

// Serve runs the accept loop for an inbound transfer listener. Unlike the
// control-plane wire.Serve, each accepted stream is long-lived for the
// duration of the transfer rather than one request/response round trip.
func (s *Server) Serve(listener transport.Listener, stop <-chan struct{}) {
	for {
		conn, from, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				time.Sleep(time.Second)
				continue
			}
		}
		go s.HandleConn(conn, from)
	}
}
