package store

// Queue entry lifecycle statuses. Sending is never a terminal persisted
// state: on reopen any "sending" row is normalized back to "pending".
const (
	QueuePending  = "pending"
	QueueSending  = "sending"
	QueueSent     = "sent"
	QueueFailed   = "failed"
	QueueConflict = "conflict"
)

// Content kinds carried by a queue entry.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
	KindEvent = "event"
)

// QueuedMessage is an outbound unit of work awaiting delivery.
type QueuedMessage struct {
	ID          int64
	ClientMsgID string // locally generated, stable across retries
	ChannelID   string
	Kind        string
	Content     string
	Metadata    string // opaque JSON blob
	Status      string
	RetryCount  int
	MaxRetries  int
	LastError   string
	ServerMsgID string // assigned once confirmed
	Resolution  string // conflict-resolution hint, if any
	CreatedAt   int64
	UpdatedAt   int64
}

// SyncState is the singleton per-profile sync record. PendingCount and
// FailedCount are cached aggregates of the queue table, recomputable at
// any time via RecomputeCounts.
type SyncState struct {
	LastSyncAt   int64
	Online       bool
	PendingCount int
	FailedCount  int
	LastError    string
	Cursor       string // server sync cursor for catch-up pulls
}

// Message is a locally cached server entity (post/message in a channel).
type Message struct {
	ID          int64
	ChannelID   string
	MsgID       string // server-stable identity
	SenderID    string
	SenderName  string
	Body        string
	Kind        string
	FromMe      bool
	Optimistic  bool
	Status      string
	Timestamp   int64
}

// Channel is a locally cached community channel.
type Channel struct {
	ID                 string
	Name               string
	Kind               string // chat, event, incident
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}
