package store

import "time"

// Upsert records (or refreshes) a peer observation (spec §4.A).
func (s *Store) UpsertPeer(p *Peer) error {
	now := time.Now()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
	_, err := s.db.Exec(`
		INSERT INTO peers (destination, short_address, display_name, files_count, total_size, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination) DO UPDATE SET
			short_address = excluded.short_address,
			display_name = excluded.display_name,
			files_count = excluded.files_count,
			total_size = excluded.total_size,
			last_seen = excluded.last_seen
	`, p.Destination, p.ShortAddress, p.DisplayName, p.FilesCount, p.TotalSize, p.FirstSeen.Unix(), p.LastSeen.Unix())
	return err
}

// GetAllPeers returns every known peer.
func (s *Store) GetAllPeers() ([]*Peer, error) {
	rows, err := s.db.Query(`SELECT destination, short_address, display_name, files_count, total_size, first_seen, last_seen FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Peer
	for rows.Next() {
		p := &Peer{}
		var firstSeen, lastSeen int64
		if err := rows.Scan(&p.Destination, &p.ShortAddress, &p.DisplayName, &p.FilesCount, &p.TotalSize, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		p.FirstSeen = time.Unix(firstSeen, 0)
		p.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCounts returns online/offline/total peer counts, where online means
// last_seen is within onlineThresholdSeconds of now (spec §4.A, §3).
func (s *Store) GetPeerCounts(onlineThresholdSeconds int64) (PeerCounts, error) {
	cutoff := time.Now().Unix() - onlineThresholdSeconds
	var counts PeerCounts
	err := s.db.QueryRow(`SELECT
		COUNT(*) FILTER (WHERE last_seen >= ?),
		COUNT(*) FILTER (WHERE last_seen < ?),
		COUNT(*)
		FROM peers`, cutoff, cutoff).Scan(&counts.Online, &counts.Offline, &counts.Total)
	return counts, err
}
