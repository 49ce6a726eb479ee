package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPausedDownloadsFiltersByStatus(t *testing.T) {
	s := openTestStore(t)

	paused := &Download{ID: "d1", Filename: "a.bin", ContentHash: "h1", PeerDestination: "dest1", TotalSize: 10}
	if err := s.CreateDownload(paused); err != nil {
		t.Fatalf("create paused download: %v", err)
	}
	if err := s.SetDownloadStatus(paused.ID, StatusPaused); err != nil {
		t.Fatalf("set status paused: %v", err)
	}

	active := &Download{ID: "d2", Filename: "b.bin", ContentHash: "h2", PeerDestination: "dest2", TotalSize: 20}
	if err := s.CreateDownload(active); err != nil {
		t.Fatalf("create active download: %v", err)
	}

	got, err := s.GetPausedDownloads()
	if err != nil {
		t.Fatalf("GetPausedDownloads: %v", err)
	}
	if len(got) != 1 || got[0].ID != paused.ID {
		t.Fatalf("expected only %q to be paused, got %+v", paused.ID, got)
	}
}

func TestGetDownloadsByPeerDestinationExcludesTerminalStatuses(t *testing.T) {
	s := openTestStore(t)

	d := &Download{ID: "d1", Filename: "a.bin", ContentHash: "h1", PeerDestination: "dest1", TotalSize: 10}
	if err := s.CreateDownload(d); err != nil {
		t.Fatalf("create download: %v", err)
	}

	got, err := s.GetDownloadsByPeerDestination("dest1")
	if err != nil {
		t.Fatalf("GetDownloadsByPeerDestination: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected pending download to match, got %d", len(got))
	}

	if err := s.SetDownloadStatus(d.ID, StatusCompleted); err != nil {
		t.Fatalf("set status completed: %v", err)
	}
	got, err = s.GetDownloadsByPeerDestination("dest1")
	if err != nil {
		t.Fatalf("GetDownloadsByPeerDestination after completion: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected completed download to be excluded, got %d", len(got))
	}
}
