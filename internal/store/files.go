package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertOrReplaceByPath upserts a local file keyed by path. content_hash
// uniqueness is preserved: if the same content reappears at a different
// path, the prior row for that content_hash is replaced (spec §4.A).
func (s *Store) InsertOrReplaceByPath(f *LocalFile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM local_files WHERE content_hash = ? AND path != ?`, f.ContentHash, f.Path); err != nil {
		return fmt.Errorf("files: evict stale path for content_hash: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO local_files (path, filename, content_hash, info_hash, size, mime, modified_at, piece_length, piece_hashes, shared)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			content_hash = excluded.content_hash,
			info_hash = excluded.info_hash,
			size = excluded.size,
			mime = excluded.mime,
			modified_at = excluded.modified_at,
			piece_length = excluded.piece_length,
			piece_hashes = excluded.piece_hashes,
			shared = excluded.shared
	`, f.Path, f.Filename, f.ContentHash, f.InfoHash, f.Size, f.MIME, f.ModifiedAt.Unix(), f.PieceLength, f.PieceHashes, boolToInt(f.Shared))
	if err != nil {
		return fmt.Errorf("files: upsert %s: %w", f.Path, err)
	}

	return tx.Commit()
}

func scanLocalFile(row interface{ Scan(...interface{}) error }) (*LocalFile, error) {
	f := &LocalFile{}
	var modifiedAt int64
	var shared int
	err := row.Scan(&f.ID, &f.Path, &f.Filename, &f.ContentHash, &f.InfoHash, &f.Size, &f.MIME, &modifiedAt, &f.PieceLength, &f.PieceHashes, &shared)
	if err != nil {
		return nil, err
	}
	f.ModifiedAt = time.Unix(modifiedAt, 0)
	f.Shared = shared != 0
	return f, nil
}

const localFileColumns = `id, path, filename, content_hash, info_hash, size, mime, modified_at, piece_length, piece_hashes, shared`

// GetByContentHash returns the file matching content_hash, or nil if absent.
func (s *Store) GetByContentHash(contentHash string) (*LocalFile, error) {
	row := s.db.QueryRow(`SELECT `+localFileColumns+` FROM local_files WHERE content_hash = ?`, contentHash)
	f, err := scanLocalFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// GetAllShared returns every file currently marked shared.
func (s *Store) GetAllShared() ([]*LocalFile, error) {
	rows, err := s.db.Query(`SELECT ` + localFileColumns + ` FROM local_files WHERE shared = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Search returns shared files whose filename contains substr (case-insensitive).
func (s *Store) Search(substr string) ([]*LocalFile, error) {
	rows, err := s.db.Query(`SELECT `+localFileColumns+` FROM local_files WHERE shared = 1 AND filename LIKE ? ESCAPE '\' COLLATE NOCASE`, "%"+escapeLike(substr)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetShared flips the shared flag for a file by content hash.
func (s *Store) SetShared(contentHash string, shared bool) error {
	_, err := s.db.Exec(`UPDATE local_files SET shared = ? WHERE content_hash = ?`, boolToInt(shared), contentHash)
	return err
}

// SetInfoHash records the computed info_hash for a file once it has been
// piece-hashed (spec §4.F).
func (s *Store) SetInfoHash(contentHash, infoHash string) error {
	_, err := s.db.Exec(`UPDATE local_files SET info_hash = ? WHERE content_hash = ?`, infoHash, contentHash)
	return err
}

// GetWithoutInfoHash returns shared files that have not yet been piece-hashed.
func (s *Store) GetWithoutInfoHash() ([]*LocalFile, error) {
	rows, err := s.db.Query(`SELECT ` + localFileColumns + ` FROM local_files WHERE shared = 1 AND info_hash = ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LocalFile
	for rows.Next() {
		f, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
