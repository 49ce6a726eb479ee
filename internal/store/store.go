// Package store is the single-writer embedded persistence layer (spec
// §4.A): local files, downloads, peers, DHT value cache and Kademlia
// routing table, each entity accessed through typed methods, each call a
// single transaction. Grounded on the teacher's internal/db package (thin
// wrapper over *sql.DB, hand-written SQL, no ORM) but backed by SQLite in
// WAL mode instead of networked PostgreSQL, since the store must be
// embedded and single-writer (see DESIGN.md).
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// Open creates/opens the SQLite database at path, enables WAL journaling
// and foreign-key enforcement, and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite's single-writer model does not benefit from a pool; a single
	// connection avoids SQLITE_BUSY storms under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	log.Printf("[store] opened %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS local_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	info_hash TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	modified_at INTEGER NOT NULL,
	piece_length INTEGER NOT NULL DEFAULT 0,
	piece_hashes BLOB,
	shared INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_local_files_content_hash ON local_files(content_hash);
CREATE INDEX IF NOT EXISTS idx_local_files_info_hash ON local_files(info_hash);

CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	peer_destination TEXT NOT NULL,
	peer_name TEXT NOT NULL DEFAULT '',
	total_size INTEGER NOT NULL,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	save_path TEXT NOT NULL,
	chunk_map BLOB,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);

CREATE TABLE IF NOT EXISTS peers (
	destination TEXT PRIMARY KEY,
	short_address TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	files_count INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

CREATE TABLE IF NOT EXISTS dht_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_table (
	node_id TEXT PRIMARY KEY,
	destination TEXT NOT NULL,
	bucket_index INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	fail_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_routing_bucket ON routing_table(bucket_index);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}
