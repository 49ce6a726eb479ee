package transfer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2pshare/node/internal/events"
	"github.com/i2pshare/node/internal/store"
	"github.com/i2pshare/node/internal/transport"
)

// DefaultMaxParallelDownloads bounds the concurrent download pool (spec §4.G).
const DefaultMaxParallelDownloads = 3

// Manager runs a bounded pool of concurrent downloads, queueing the rest,
// and applies the retry/backoff policy per spec §4.G. Slot accounting is
// adapted from the teacher's queue.go (mutex-guarded worker counter gating
// a fixed budget, ticker-driven refill).
type Manager struct {
	store       *store.Store
	dial        transport.Factory
	bus         *events.Bus
	downloadDir string
	timeout     time.Duration

	retryBase    time.Duration
	retryMax     time.Duration
	maxRetries   int
	reserveBytes int64

	mu         sync.Mutex
	maxSlots   int
	active     int
	inFlight   map[string]*Download
	stopCh     chan struct{}
}

// NewManager wires a Manager to its dependencies.
func NewManager(s *store.Store, dial transport.Factory, bus *events.Bus, downloadDir string, timeout time.Duration, maxParallel int) *Manager {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelDownloads
	}
	return &Manager{
		store:       s,
		dial:        dial,
		bus:         bus,
		downloadDir: downloadDir,
		timeout:     timeout,
		retryBase:   DefaultRetryBase,
		retryMax:    DefaultRetryMax,
		maxRetries:  DefaultMaxRetries,
		maxSlots:    maxParallel,
		inFlight:    make(map[string]*Download),
		stopCh:      make(chan struct{}),
	}
}

// SetRetryPolicy overrides the default backoff parameters (spec §6 config keys).
func (m *Manager) SetRetryPolicy(base, max time.Duration, maxRetries int) {
	m.retryBase, m.retryMax, m.maxRetries = base, max, maxRetries
}

// SetMinFreeSpace overrides the disk-space reserve held back on every
// preflight check (spec §6 min_free_space_bytes).
func (m *Manager) SetMinFreeSpace(bytes int64) {
	m.reserveBytes = bytes
}

// Run polls for queueable downloads every second and fills any open slots,
// mirroring queue.go's processQueue fill-all-available-slots loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.fillSlots(ctx)
		}
	}
}

// Stop signals Run to exit.
func (m *Manager) Stop() { close(m.stopCh) }

func (m *Manager) fillSlots(ctx context.Context) {
	for {
		m.mu.Lock()
		room := m.active < m.maxSlots
		m.mu.Unlock()
		if !room {
			return
		}

		pending, err := m.store.GetActiveDownloads()
		if err != nil {
			log.Printf("[transfer] list active downloads: %v", err)
			return
		}
		next := m.nextQueueable(pending)
		if next == nil {
			return
		}

		m.mu.Lock()
		m.active++
		m.mu.Unlock()
		go m.run(ctx, next)
	}
}

func (m *Manager) nextQueueable(pending []*store.Download) *store.Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range pending {
		if _, running := m.inFlight[d.ID]; running {
			continue
		}
		return d
	}
	return nil
}

// run drives one download through preflight, connection attempts with
// retry/backoff, and terminal state transitions (spec §4.G retry and resume).
func (m *Manager) run(ctx context.Context, rec *store.Download) {
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, rec.ID)
		m.active--
		m.mu.Unlock()
	}()

	if err := CheckDiskSpace(m.downloadDir, rec.TotalSize-rec.DownloadedSize, m.reserveBytes); err != nil {
		m.store.SetDownloadStatus(rec.ID, store.StatusFailed)
		m.bus.Fail("download:failed", events.CategoryDisk, map[string]string{"id": rec.ID, "error": err.Error()})
		return
	}

	dl := NewDownload(m.store, m.dial, m.timeout, m.downloadDir, rec)
	m.mu.Lock()
	m.inFlight[rec.ID] = dl
	m.mu.Unlock()

	for attempt := rec.RetryCount; attempt < m.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if cur, err := m.store.GetDownloadByID(rec.ID); err == nil && cur == nil {
			return // cancelled: Cancel deleted the record
		}

		peerDest := transport.Destination(rec.PeerDestination)
		err := dl.Run(ctx, peerDest)
		if err == nil {
			m.bus.Publish(events.Event{Topic: "download:completed", Category: events.CategoryNetwork, Data: rec.ID})
			return
		}

		if strings.Contains(err.Error(), ErrHashMismatch) {
			m.bus.Fail("download:failed", events.CategoryVerify, map[string]string{"id": rec.ID, "error": err.Error()})
			return
		}

		log.Printf("[transfer] download %s attempt %d failed: %v", rec.ID, attempt, err)
		newCount, _ := m.store.IncrementRetryCount(rec.ID)
		rec.RetryCount = newCount

		delay := BackoffDelay(attempt, m.retryBase, m.retryMax)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	m.store.SetDownloadStatus(rec.ID, store.StatusPaused)
	m.bus.Fail("download:paused", events.CategoryNetwork, map[string]string{"id": rec.ID, "reason": "retries exhausted"})
}

// StartDownload records a new pending download against a search result,
// generating a fresh opaque download ID, and returns it for the caller to
// track (spec §3 Download record, §4.G: the download queue is populated by
// user-initiated search selections). The download is picked up by the next
// fillSlots tick.
func (m *Manager) StartDownload(contentHash, filename string, size int64, peerDestination, peerName string) (string, error) {
	id := uuid.NewString()
	rec := &store.Download{
		ID:              id,
		Filename:        filename,
		ContentHash:     contentHash,
		PeerDestination: peerDestination,
		PeerName:        peerName,
		TotalSize:       size,
		Status:          store.StatusPending,
	}
	if err := m.store.CreateDownload(rec); err != nil {
		return "", fmt.Errorf("create download: %w", err)
	}
	return id, nil
}

// ResumeManually resets retry_count and re-queues a paused download (spec
// §4.G: "park as paused so the user can resume manually, which resets retry_count").
func (m *Manager) ResumeManually(id string) error {
	if err := m.store.SetRetryCount(id, 0); err != nil {
		return err
	}
	return m.store.SetDownloadStatus(id, store.StatusPending)
}

// Cancel aborts a user-cancelled download (spec §5 Cancellation): it closes
// the in-flight stream if one is open, deletes the part-file, and removes
// the download's DB row.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	dl, inFlight := m.inFlight[id]
	m.mu.Unlock()
	if inFlight {
		dl.Cancel()
	}

	partPath := filepath.Join(m.downloadDir, id+".part")
	if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[transfer] remove part-file for cancelled download %s: %v", id, err)
	}

	if err := m.store.DeleteDownload(id); err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	return nil
}

// ResumeAllPaused re-queues every paused download (spec §6
// auto_resume_on_start), resetting retry_count for each, so a restart
// continues downloads killed mid-transfer from their persisted offset.
func (m *Manager) ResumeAllPaused() {
	downloads, err := m.store.GetPausedDownloads()
	if err != nil {
		log.Printf("[transfer] list paused downloads for auto-resume: %v", err)
		return
	}
	for _, d := range downloads {
		if err := m.ResumeManually(d.ID); err != nil {
			log.Printf("[transfer] auto-resume download %s: %v", d.ID, err)
		}
	}
}

// Readdress updates a download's peer destination after the peer moved to
// a new destination under the same short address (spec §4.G Peer
// re-address). An in-flight download's next retry attempt picks up the new
// destination immediately.
func (m *Manager) Readdress(id, newDestination string) error {
	if err := m.store.UpdateDownloadPeerDestination(id, newDestination); err != nil {
		return err
	}
	m.mu.Lock()
	if dl, ok := m.inFlight[id]; ok {
		dl.mu.Lock()
		dl.record.PeerDestination = newDestination
		dl.mu.Unlock()
	}
	m.mu.Unlock()
	return nil
}

// ReaddressByPeerDestination re-addresses every active download currently
// pointed at oldDestination, used when a tracker peer update reports the
// peer moved under the same short address.
func (m *Manager) ReaddressByPeerDestination(oldDestination, newDestination string) {
	downloads, err := m.store.GetDownloadsByPeerDestination(oldDestination)
	if err != nil {
		log.Printf("[transfer] readdress lookup for %s: %v", oldDestination, err)
		return
	}
	for _, d := range downloads {
		if err := m.Readdress(d.ID, newDestination); err != nil {
			log.Printf("[transfer] readdress download %s: %v", d.ID, err)
		}
	}
}
