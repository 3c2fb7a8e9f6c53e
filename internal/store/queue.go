package store

import (
	"database/sql"
	"time"
)

const queueColumns = `id, client_msg_id, channel_id, kind, content, metadata,
	status, retry_count, max_retries, last_error, server_msg_id, resolution,
	created_at, updated_at`

// PutQueued inserts or replaces a queue entry by client message id.
func (db *DB) PutQueued(m *QueuedMessage) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := db.Exec(`
		INSERT INTO queue (client_msg_id, channel_id, kind, content, metadata,
			status, retry_count, max_retries, last_error, server_msg_id, resolution,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			kind = excluded.kind,
			content = excluded.content,
			metadata = excluded.metadata,
			status = excluded.status,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			last_error = excluded.last_error,
			server_msg_id = excluded.server_msg_id,
			resolution = excluded.resolution,
			updated_at = excluded.updated_at`,
		m.ClientMsgID, m.ChannelID, m.Kind, m.Content, m.Metadata,
		m.Status, m.RetryCount, m.MaxRetries, m.LastError, m.ServerMsgID, m.Resolution,
		m.CreatedAt, m.UpdatedAt)
	return storageErr("put queue entry", err)
}

// GetQueued returns a queue entry by client message id, or nil if absent.
func (db *DB) GetQueued(clientMsgID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE client_msg_id = ?`, clientMsgID)
	m, err := scanQueued(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get queue entry", err)
	}
	return m, nil
}

// QueueByChannel returns all queue entries for a channel, oldest first.
func (db *DB) QueueByChannel(channelID string) ([]QueuedMessage, error) {
	return db.queryQueue(`SELECT `+queueColumns+` FROM queue WHERE channel_id = ? ORDER BY created_at ASC, id ASC`, channelID)
}

// QueueByStatus returns all queue entries with the given status, oldest first.
func (db *DB) QueueByStatus(status string) ([]QueuedMessage, error) {
	return db.queryQueue(`SELECT `+queueColumns+` FROM queue WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
}

// DeleteQueued removes a queue entry. Idempotent.
func (db *DB) DeleteQueued(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM queue WHERE client_msg_id = ?`, clientMsgID)
	return storageErr("delete queue entry", err)
}

// ClearQueue removes all queue entries. Idempotent.
func (db *DB) ClearQueue() error {
	_, err := db.Exec(`DELETE FROM queue`)
	return storageErr("clear queue", err)
}

// MarkQueueStatus updates the status and error text of a queue entry.
func (db *DB) MarkQueueStatus(clientMsgID, status, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET status = ?, last_error = ?, updated_at = ? WHERE client_msg_id = ?`,
		status, lastError, now, clientMsgID)
	return storageErr("mark queue status", err)
}

// MarkQueueSent records the server-assigned id and flips the entry to sent.
func (db *DB) MarkQueueSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET status = ?, server_msg_id = ?, last_error = '', updated_at = ? WHERE client_msg_id = ?`,
		QueueSent, serverMsgID, now, clientMsgID)
	return storageErr("mark queue sent", err)
}

// BumpQueueRetry increments the retry counter, records the error, and puts
// the entry back to pending (or failed once the ceiling is reached).
func (db *DB) BumpQueueRetry(clientMsgID, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET
			retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END,
			updated_at = ?
		WHERE client_msg_id = ?`,
		lastError, QueueFailed, QueuePending, now, clientMsgID)
	return storageErr("bump queue retry", err)
}

// ResetQueueRetry zeroes the retry counter and returns the entry to pending.
func (db *DB) ResetQueueRetry(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET retry_count = 0, status = ?, last_error = '', updated_at = ? WHERE client_msg_id = ?`,
		QueuePending, now, clientMsgID)
	return storageErr("reset queue retry", err)
}

// NormalizeSending flips any persisted "sending" rows back to "pending".
// Called once on startup: a send that was in flight when the process died
// was never confirmed.
func (db *DB) NormalizeSending() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE queue SET status = ?, updated_at = ? WHERE status = ?`,
		QueuePending, now, QueueSending)
	if err != nil {
		return 0, storageErr("normalize sending", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueCounts recomputes the pending and failed aggregates from the queue table.
func (db *DB) QueueCounts() (pending, failed int, err error) {
	err = db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status IN (?, ?) THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM queue`, QueuePending, QueueSending, QueueFailed).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, storageErr("queue counts", err)
	}
	return pending, failed, nil
}

func (db *DB) queryQueue(q string, args ...any) ([]QueuedMessage, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, storageErr("query queue", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.ClientMsgID, &m.ChannelID, &m.Kind, &m.Content, &m.Metadata,
			&m.Status, &m.RetryCount, &m.MaxRetries, &m.LastError, &m.ServerMsgID, &m.Resolution,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, storageErr("scan queue entry", err)
		}
		entries = append(entries, m)
	}
	return entries, storageErr("query queue", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueued(row rowScanner) (*QueuedMessage, error) {
	var m QueuedMessage
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.ChannelID, &m.Kind, &m.Content, &m.Metadata,
		&m.Status, &m.RetryCount, &m.MaxRetries, &m.LastError, &m.ServerMsgID, &m.Resolution,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
