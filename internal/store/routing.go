package store

import "time"

// UpsertRoutingEntry inserts or refreshes a routing-table row, resetting
// fail_count on any successful upsert (spec §4.A).
func (s *Store) UpsertRoutingEntry(nodeID, destination string, bucketIndex int) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO routing_table (node_id, destination, bucket_index, last_seen, fail_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(node_id) DO UPDATE SET
			destination = excluded.destination,
			bucket_index = excluded.bucket_index,
			last_seen = excluded.last_seen,
			fail_count = 0
	`, nodeID, destination, bucketIndex, now)
	return err
}

// GetRoutingByBucket returns up to limit entries for a bucket index, most
// recently seen first.
func (s *Store) GetRoutingByBucket(bucketIndex, limit int) ([]*RoutingEntry, error) {
	rows, err := s.db.Query(`
		SELECT node_id, destination, bucket_index, last_seen, fail_count
		FROM routing_table WHERE bucket_index = ?
		ORDER BY last_seen DESC LIMIT ?
	`, bucketIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoutingEntry
	for rows.Next() {
		e := &RoutingEntry{}
		var lastSeen int64
		if err := rows.Scan(&e.NodeID, &e.Destination, &e.BucketIndex, &lastSeen, &e.FailCount); err != nil {
			return nil, err
		}
		e.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAllRoutingEntries returns every persisted routing-table row, used to
// repopulate the in-memory table on startup (spec §4.A, §4.H).
func (s *Store) GetAllRoutingEntries() ([]*RoutingEntry, error) {
	rows, err := s.db.Query(`SELECT node_id, destination, bucket_index, last_seen, fail_count FROM routing_table`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoutingEntry
	for rows.Next() {
		e := &RoutingEntry{}
		var lastSeen int64
		if err := rows.Scan(&e.NodeID, &e.Destination, &e.BucketIndex, &lastSeen, &e.FailCount); err != nil {
			return nil, err
		}
		e.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IncrementRoutingFail bumps fail_count for a node on a send error (spec §4.A, §4.E).
func (s *Store) IncrementRoutingFail(nodeID string) error {
	_, err := s.db.Exec(`UPDATE routing_table SET fail_count = fail_count + 1 WHERE node_id = ?`, nodeID)
	return err
}

// CleanupRoutingTable removes entries with fail_count >= MaxFailCount.
func (s *Store) CleanupRoutingTable() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM routing_table WHERE fail_count >= ?`, MaxFailCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
