package store

import "time"

// GetSyncState loads the singleton sync record. A fresh database yields the
// zero value.
func (db *DB) GetSyncState() (*SyncState, error) {
	var s SyncState
	var online int
	err := db.QueryRow(`
		SELECT last_sync_at, online, pending_count, failed_count, last_error, cursor
		FROM sync_state WHERE id = 1`).
		Scan(&s.LastSyncAt, &online, &s.PendingCount, &s.FailedCount, &s.LastError, &s.Cursor)
	if err != nil {
		return nil, storageErr("get sync state", err)
	}
	s.Online = online != 0
	return &s, nil
}

// PutSyncState replaces the singleton sync record.
func (db *DB) PutSyncState(s *SyncState) error {
	now := time.Now().UnixMilli()
	online := 0
	if s.Online {
		online = 1
	}
	_, err := db.Exec(`
		INSERT INTO sync_state (id, last_sync_at, online, pending_count, failed_count, last_error, cursor, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			online = excluded.online,
			pending_count = excluded.pending_count,
			failed_count = excluded.failed_count,
			last_error = excluded.last_error,
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		s.LastSyncAt, online, s.PendingCount, s.FailedCount, s.LastError, s.Cursor, now)
	return storageErr("put sync state", err)
}

// RecomputeCounts refreshes the cached pending/failed aggregates from the
// queue table and persists them back onto the sync record.
func (db *DB) RecomputeCounts() (*SyncState, error) {
	pending, failed, err := db.QueueCounts()
	if err != nil {
		return nil, err
	}
	s, err := db.GetSyncState()
	if err != nil {
		return nil, err
	}
	s.PendingCount = pending
	s.FailedCount = failed
	if err := db.PutSyncState(s); err != nil {
		return nil, err
	}
	return s, nil
}
