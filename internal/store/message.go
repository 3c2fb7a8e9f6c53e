package store

import "time"

// UpsertMessage inserts or updates a cached message (idempotent on
// channel_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	optimistic := 0
	if m.Optimistic {
		optimistic = 1
	}
	_, err := db.Exec(`
		INSERT INTO messages (channel_id, msg_id, sender_id, sender_name, body, kind, from_me, optimistic, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			optimistic = excluded.optimistic,
			status = excluded.status`,
		m.ChannelID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Kind, m.FromMe, optimistic, m.Status, m.Timestamp, now)
	return storageErr("upsert message", err)
}

// ReplaceMessageID swaps a locally assigned message id for the server id,
// clearing the optimistic flag. Used when a queued send is confirmed.
func (db *DB) ReplaceMessageID(channelID, localID, serverID string) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, optimistic = 0, status = ?
		WHERE channel_id = ? AND msg_id = ?`,
		serverID, QueueSent, channelID, localID)
	return storageErr("replace message id", err)
}

// DeleteMessage removes a cached message. Idempotent.
func (db *DB) DeleteMessage(channelID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE channel_id = ? AND msg_id = ?`, channelID, msgID)
	return storageErr("delete message", err)
}

// ListMessages returns messages for a channel using keyset pagination by timestamp.
func (db *DB) ListMessages(channelID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, channel_id, msg_id, sender_id, sender_name, body, kind, from_me, optimistic, status, timestamp
		FROM messages
		WHERE channel_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, channelID, beforeTs, limit)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var optimistic int
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &m.FromMe, &optimistic, &m.Status, &m.Timestamp); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.Optimistic = optimistic != 0
		msgs = append(msgs, m)
	}
	return msgs, storageErr("list messages", rows.Err())
}
