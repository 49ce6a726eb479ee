package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
)

// progressFlushBytes and progressFlushInterval bound how often persisted
// progress is written (spec §4.G client contract).
const (
	progressFlushBytes    = 256 * 1024
	progressFlushInterval = time.Second
)

// RetryDefaults mirror spec §4.G retry/resume defaults.
const (
	DefaultRetryBase  = 5 * time.Second
	DefaultRetryMax   = 60 * time.Second
	DefaultMaxRetries = 5
)

// ErrHashMismatch is recorded as the failure reason when the completed
// part-file's SHA-256 does not match the expected content hash.
const ErrHashMismatch = "hash mismatch"

// speedSample tracks the previous downloaded-byte count for a 1s rolling
// average, mirroring the teacher's reporter.go delta-over-interval technique.
type speedSample struct {
	bytes int64
	at    time.Time
}

// Download drives a single resumable file transfer against one peer
// destination (spec §4.G client contract).
type Download struct {
	store      *store.Store
	dial       transport.Factory
	timeout    time.Duration
	downloadDir string

	mu       sync.Mutex
	record   *store.Download
	conn      transport.Conn
	lastFlush speedSample
	speedBps int64
}

// NewDownload wires a Download to its persisted record and a dialer.
func NewDownload(s *store.Store, dial transport.Factory, timeout time.Duration, downloadDir string, rec *store.Download) *Download {
	return &Download{store: s, dial: dial, timeout: timeout, downloadDir: downloadDir, record: rec}
}

// SpeedBps returns the current 1s rolling average download speed.
func (d *Download) SpeedBps() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speedBps
}

// Run performs one connection attempt: dial, request, stream into the
// part-file, verify, and finalize. It returns an error describing why the
// attempt failed (caller applies the retry/backoff policy) or nil on a
// successful completion.
func (d *Download) Run(ctx context.Context, peerDest transport.Destination) error {
	d.store.SetDownloadStatus(d.record.ID, store.StatusConnecting)

	conn, err := d.dial.Dial(ctx, peerDest, d.timeout)
	if err != nil {
		return fmt.Errorf("dial peer: %w", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	defer func() {
		conn.Close()
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
	}()

	partPath := d.partPath()
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	startOffset := d.record.DownloadedSize
	if err := writeFileRequest(conn, FileRequest{ContentHash: d.record.ContentHash, StartOffset: startOffset}); err != nil {
		return fmt.Errorf("send file_request: %w", err)
	}

	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}
	defer part.Close()
	if _, err := part.Seek(startOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seek part file: %w", err)
	}

	d.store.SetDownloadStatus(d.record.ID, store.StatusDownloading)
	return d.receive(ctx, conn, part, startOffset)
}

func (d *Download) receive(ctx context.Context, conn transport.Conn, part *os.File, startOffset int64) error {
	fr := newFrameReader(conn)

	fm, err := fr.readFrame()
	if err != nil {
		return fmt.Errorf("read file_header: %w", err)
	}
	switch fm.Type {
	case FrameFileError:
		return fmt.Errorf("peer rejected request: %s", string(fm.Payload))
	case FrameFileHeader:
	default:
		return fmt.Errorf("unexpected frame %v waiting for file_header", fm.Type)
	}

	var hdr FileHeader
	if err := unmarshalJSON(fm.Payload, &hdr); err != nil {
		return fmt.Errorf("malformed file_header: %w", err)
	}

	d.mu.Lock()
	d.lastFlush = speedSample{bytes: startOffset, at: time.Now()}
	d.mu.Unlock()

	downloaded := startOffset
	lastPersist := startOffset
	lastPersistAt := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fm, err := fr.readFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch fm.Type {
		case FrameFileChunk:
			if _, err := part.WriteAt(fm.Payload, fm.Offset); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			downloaded = fm.Offset + int64(len(fm.Payload))
			d.updateSpeed(downloaded)

			if downloaded-lastPersist >= progressFlushBytes || time.Since(lastPersistAt) >= progressFlushInterval {
				d.store.UpdateDownloadProgress(d.record.ID, downloaded, nil)
				lastPersist = downloaded
				lastPersistAt = time.Now()
			}

		case FrameFileComplete:
			d.store.UpdateDownloadProgress(d.record.ID, downloaded, nil)
			return d.finalize(part, hdr)

		case FrameFileError:
			return fmt.Errorf("peer error: %s", string(fm.Payload))

		default:
			return fmt.Errorf("unexpected frame %v mid-transfer", fm.Type)
		}
	}
}

func (d *Download) updateSpeed(downloaded int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := time.Since(d.lastFlush.at).Seconds()
	if elapsed >= 1 {
		delta := downloaded - d.lastFlush.bytes
		d.speedBps = int64(float64(delta) / elapsed)
		d.lastFlush = speedSample{bytes: downloaded, at: time.Now()}
	}
}

// finalize verifies the part-file's SHA-256 against the expected content
// hash and, on success, atomically renames it into place (spec §4.G).
func (d *Download) finalize(part *os.File, hdr FileHeader) error {
	if err := part.Sync(); err != nil {
		return fmt.Errorf("sync part file: %w", err)
	}
	if _, err := part.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek for verify: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, part); err != nil {
		return fmt.Errorf("hash part file: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if sum != d.record.ContentHash {
		d.store.SetDownloadStatus(d.record.ID, store.StatusFailed)
		if err := os.Remove(d.partPath()); err != nil && !os.IsNotExist(err) {
			log.Printf("[transfer] remove part-file for %s after hash mismatch: %v", d.record.ID, err)
		}
		return fmt.Errorf("%s: expected %s, got %s", ErrHashMismatch, d.record.ContentHash, sum)
	}

	finalPath := d.finalPath(hdr.Filename)
	if err := os.Rename(d.partPath(), finalPath); err != nil {
		return fmt.Errorf("finalize rename: %w", err)
	}
	d.record.SavePath = finalPath
	d.store.SetSavePath(d.record.ID, finalPath)
	d.store.SetDownloadStatus(d.record.ID, store.StatusCompleted)
	return nil
}

func (d *Download) partPath() string {
	return filepath.Join(d.downloadDir, d.record.ID+".part")
}

// Cancel closes the in-flight stream, if any, so Run unblocks and returns
// an error instead of continuing to retry (spec §5 Cancellation).
func (d *Download) Cancel() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (d *Download) finalPath(peerFilename string) string {
	name := SanitizeFilename(d.record.Filename)
	if name == "download" && peerFilename != "" {
		name = SanitizeFilename(peerFilename)
	}
	return filepath.Join(d.downloadDir, name)
}

// BackoffDelay computes the jittered exponential retry delay for attempt
// (0-indexed), per spec §4.G: min(base*2^attempt, max) +/- 20% jitter.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	jitter := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = 0
	}
	return result
}
