package store

import (
	"database/sql"
	"fmt"
	"time"
)

const downloadColumns = `id, filename, content_hash, peer_destination, peer_name, total_size, downloaded_size, status, save_path, chunk_map, retry_count, created_at, started_at, completed_at`

func scanDownload(row interface{ Scan(...interface{}) error }) (*Download, error) {
	d := &Download{}
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var status string
	err := row.Scan(&d.ID, &d.Filename, &d.ContentHash, &d.PeerDestination, &d.PeerName,
		&d.TotalSize, &d.DownloadedSize, &status, &d.SavePath, &d.ChunkMap, &d.RetryCount,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DownloadStatus(status)
	d.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		d.CompletedAt = &t
	}
	return d, nil
}

// Create inserts a new download record in status "pending".
func (s *Store) CreateDownload(d *Download) error {
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO downloads (id, filename, content_hash, peer_destination, peer_name, total_size, downloaded_size, status, save_path, chunk_map, retry_count, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, 0, ?, NULL, NULL)
	`, d.ID, d.Filename, d.ContentHash, d.PeerDestination, d.PeerName, d.TotalSize, string(d.Status), d.SavePath, d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("downloads: create %s: %w", d.ID, err)
	}
	return nil
}

// UpdateProgress persists downloaded_size (and optionally chunk_map) for a
// download; called every >=256KiB or every 1s, whichever first (spec §4.G).
func (s *Store) UpdateDownloadProgress(id string, downloadedSize int64, chunkMap []byte) error {
	_, err := s.db.Exec(`UPDATE downloads SET downloaded_size = ?, chunk_map = ? WHERE id = ?`, downloadedSize, chunkMap, id)
	return err
}

// SetDownloadStatus transitions status, stamping started_at/completed_at
// where applicable (spec §3 Download record lifecycle).
func (s *Store) SetDownloadStatus(id string, status DownloadStatus) error {
	now := time.Now().Unix()
	switch status {
	case StatusConnecting:
		_, err := s.db.Exec(`UPDATE downloads SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`, string(status), now, id)
		return err
	case StatusCompleted, StatusFailed:
		_, err := s.db.Exec(`UPDATE downloads SET status = ?, completed_at = ? WHERE id = ?`, string(status), now, id)
		return err
	case StatusPending:
		_, err := s.db.Exec(`UPDATE downloads SET status = ?, retry_count = retry_count + 0 WHERE id = ?`, string(status), id)
		return err
	default:
		_, err := s.db.Exec(`UPDATE downloads SET status = ? WHERE id = ?`, string(status), id)
		return err
	}
}

// SetRetryCount overwrites retry_count directly (e.g. reset to 0 on manual resume).
func (s *Store) SetRetryCount(id string, count int) error {
	_, err := s.db.Exec(`UPDATE downloads SET retry_count = ? WHERE id = ?`, count, id)
	return err
}

// IncrementRetryCount bumps retry_count by one and returns the new value.
func (s *Store) IncrementRetryCount(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE downloads SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT retry_count FROM downloads WHERE id = ?`, id).Scan(&count)
	return count, err
}

// SetSavePath records the final on-disk path once a download completes.
func (s *Store) SetSavePath(id, path string) error {
	_, err := s.db.Exec(`UPDATE downloads SET save_path = ? WHERE id = ?`, path, id)
	return err
}

// UpdatePeerDestination re-addresses a download after the peer moved to a
// new destination under the same short address (spec §4.G Peer re-address).
func (s *Store) UpdateDownloadPeerDestination(id, destination string) error {
	_, err := s.db.Exec(`UPDATE downloads SET peer_destination = ? WHERE id = ?`, destination, id)
	return err
}

// GetDownloadsByPeerDestination returns active downloads currently addressed
// to destination, used to re-address in-flight transfers after a peer moves
// (spec §4.G Peer re-address).
func (s *Store) GetDownloadsByPeerDestination(destination string) ([]*Download, error) {
	return s.queryDownloads(`SELECT `+downloadColumns+` FROM downloads WHERE peer_destination = ? AND status IN ('pending', 'connecting', 'downloading', 'paused')`, destination)
}

// GetAllDownloads returns every download record.
func (s *Store) GetAllDownloads() ([]*Download, error) {
	return s.queryDownloads(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY created_at DESC`)
}

// GetActiveDownloads returns downloads with status in {pending, downloading}.
func (s *Store) GetActiveDownloads() ([]*Download, error) {
	return s.queryDownloads(`SELECT ` + downloadColumns + ` FROM downloads WHERE status IN ('pending', 'downloading') ORDER BY created_at ASC`)
}

// GetPausedDownloads returns downloads parked as paused, used by
// auto_resume_on_start to re-queue them after a restart.
func (s *Store) GetPausedDownloads() ([]*Download, error) {
	return s.queryDownloads(`SELECT ` + downloadColumns + ` FROM downloads WHERE status = 'paused' ORDER BY created_at ASC`)
}

func (s *Store) queryDownloads(query string, args ...interface{}) ([]*Download, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDownloadByID returns a single download, or nil if not found.
func (s *Store) GetDownloadByID(id string) (*Download, error) {
	row := s.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// DeleteDownload removes a download record (used on user cancellation).
func (s *Store) DeleteDownload(id string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE id = ?`, id)
	return err
}
