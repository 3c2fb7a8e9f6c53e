package store

import (
	"database/sql"
	"time"
)

// UpsertChannel inserts or updates a channel record.
func (db *DB) UpsertChannel(c *Channel) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO channels (id, name, kind, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), channels.name),
			kind = COALESCE(NULLIF(excluded.kind, ''), channels.kind),
			unread_count = excluded.unread_count,
			last_message_at = MAX(channels.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= channels.last_message_at
				THEN excluded.last_message_preview ELSE channels.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Kind, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return storageErr("upsert channel", err)
}

// ListChannels returns channels sorted by last message timestamp descending.
func (db *DB) ListChannels(limit, offset int) ([]Channel, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, kind, unread_count, last_message_at, last_message_preview
		FROM channels
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storageErr("list channels", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, storageErr("scan channel", err)
		}
		channels = append(channels, c)
	}
	return channels, storageErr("list channels", rows.Err())
}

// GetChannel returns a single channel by id, or nil if absent.
func (db *DB) GetChannel(id string) (*Channel, error) {
	var c Channel
	err := db.QueryRow(`
		SELECT id, name, kind, unread_count, last_message_at, last_message_preview
		FROM channels WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Kind, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get channel", err)
	}
	return &c, nil
}
