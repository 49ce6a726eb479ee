package store

import (
	"database/sql"
	"time"
)

// SetDHTValue stores key -> value with an expiry ttl in the future.
func (s *Store) SetDHTValue(key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO dht_cache (key, value, expires_at, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			last_updated = excluded.last_updated
	`, key, value, now.Add(ttl).Unix(), now.Unix())
	return err
}

// GetDHTValue returns the value for key, or nil if absent or expired
// (spec §4.A: get returns None if expired).
func (s *Store) GetDHTValue(key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRow(`SELECT value, expires_at FROM dht_cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() >= expiresAt {
		return nil, nil
	}
	return value, nil
}

// CleanupDHTCache deletes expired entries.
func (s *Store) CleanupDHTCache() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM dht_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
