package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/i2pshare/node/internal/store"
)

func openManagerTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCancelRemovesPartFileAndRecord(t *testing.T) {
	s := openManagerTestStore(t)
	downloadDir := t.TempDir()
	mgr := NewManager(s, nil, nil, downloadDir, 0, 1)

	rec := &store.Download{ID: "d1", Filename: "a.bin", ContentHash: "h1", PeerDestination: "dest1", TotalSize: 10}
	if err := s.CreateDownload(rec); err != nil {
		t.Fatalf("create download: %v", err)
	}

	partPath := filepath.Join(downloadDir, rec.ID+".part")
	if err := os.WriteFile(partPath, []byte("partial"), 0o644); err != nil {
		t.Fatalf("seed part file: %v", err)
	}

	if err := mgr.Cancel(rec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Fatalf("expected part-file to be removed, stat err: %v", err)
	}
	got, err := s.GetDownloadByID(rec.ID)
	if err != nil {
		t.Fatalf("GetDownloadByID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected download record to be deleted, got %+v", got)
	}
}

func TestCancelWithoutPartFileStillDeletesRecord(t *testing.T) {
	s := openManagerTestStore(t)
	downloadDir := t.TempDir()
	mgr := NewManager(s, nil, nil, downloadDir, 0, 1)

	rec := &store.Download{ID: "d2", Filename: "b.bin", ContentHash: "h2", PeerDestination: "dest2", TotalSize: 10}
	if err := s.CreateDownload(rec); err != nil {
		t.Fatalf("create download: %v", err)
	}

	if err := mgr.Cancel(rec.ID); err != nil {
		t.Fatalf("Cancel without a part-file on disk should not error: %v", err)
	}
	got, err := s.GetDownloadByID(rec.ID)
	if err != nil {
		t.Fatalf("GetDownloadByID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected download record to be deleted, got %+v", got)
	}
}
