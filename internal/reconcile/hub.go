package reconcile

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/bus"
	"github.com/vigia-app/vigia/internal/store"
	"github.com/vigia-app/vigia/internal/transport"
)

// wireMessage is the server representation of a channel message as carried
// by WebSocket frames, SSE payloads, and sync pages.
type wireMessage struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	MsgID       string `json:"msg_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Body        string `json:"body"`
	Kind        string `json:"kind"`
	Timestamp   int64  `json:"timestamp"`
}

// wireIncident is a panic/incident alert pushed on the server stream.
type wireIncident struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Severity  string `json:"severity"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Hub keeps per-channel reconciled views in sync with queue lifecycle
// events and inbound server updates, and writes through to the store read
// models. It is the single writer of the in-memory collections.
type Hub struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*Collection

	unsub  func()
	cancel context.CancelFunc
}

// NewHub creates a reconciliation hub.
func NewHub(db *store.DB, b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		db:       db,
		bus:      b,
		logger:   logger,
		channels: make(map[string]*Collection),
	}
}

// Start subscribes to queue lifecycle events and begins maintaining the
// views.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("queue.", 64)
	h.unsub = unsub
	go h.loop(ctx, ch)
}

// Stop detaches from the bus.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.unsub != nil {
		h.unsub()
	}
}

// Channel returns a snapshot of the reconciled view for one channel,
// newest first.
func (h *Hub) Channel(channelID string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collection(channelID).Entries()
}

// collection must be called with h.mu held.
func (h *Hub) collection(channelID string) *Collection {
	c, ok := h.channels[channelID]
	if !ok {
		c = NewCollection()
		h.channels[channelID] = c
	}
	return c
}

func (h *Hub) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.handleQueueEvent(evt)
		}
	}
}

func (h *Hub) handleQueueEvent(evt bus.Event) {
	payload, ok := evt.Payload.(map[string]string)
	if !ok {
		return
	}
	channelID := payload["channel_id"]
	clientMsgID := payload["client_msg_id"]
	if channelID == "" || clientMsgID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	col := h.collection(channelID)

	switch evt.Kind {
	case "queue.enqueued":
		col.InsertOptimistic(clientMsgID, store.Message{
			ChannelID: channelID,
			MsgID:     clientMsgID,
			Body:      payload["content"],
			Kind:      payload["kind"],
			FromMe:    true,
			Status:    store.QueueSending,
			Timestamp: evt.Timestamp.UnixMilli(),
		})

	case "queue.sent":
		serverMsgID := payload["server_msg_id"]
		i := col.index(clientMsgID)
		if i < 0 {
			// Unknown locally (fresh process): treat the ack as a remote
			// insert keyed on the server id.
			col.ApplyRemoteUpdate(store.Message{
				ChannelID: channelID,
				MsgID:     serverMsgID,
				FromMe:    true,
				Status:    store.QueueSent,
				Timestamp: evt.Timestamp.UnixMilli(),
			})
			return
		}
		msg := col.entries[i].Message
		msg.Status = store.QueueSent
		col.Confirm(clientMsgID, serverMsgID, msg)

	case "queue.failed", "queue.resolved":
		col.Rollback(clientMsgID)
	}
}

// HandleRemoteMessage is wired to the dispatcher's "message.new" and
// "message.updated" events. The update is applied idempotently to the view
// and the store read models, then re-announced on the bus.
func (h *Hub) HandleRemoteMessage(evt transport.StreamEvent) {
	var wire wireMessage
	if err := json.Unmarshal(evt.Raw, &wire); err != nil || wire.MsgID == "" || wire.ChannelID == "" {
		h.logger.Warn("undecodable message event", zap.String("event", evt.Name))
		return
	}

	msg := store.Message{
		ChannelID:  wire.ChannelID,
		MsgID:      wire.MsgID,
		SenderID:   wire.SenderID,
		SenderName: wire.SenderName,
		Body:       wire.Body,
		Kind:       wire.Kind,
		Status:     store.QueueSent,
		Timestamp:  wire.Timestamp,
	}

	h.mu.Lock()
	h.collection(wire.ChannelID).ApplyRemoteUpdate(msg)
	h.mu.Unlock()

	if err := h.db.UpsertMessage(&msg); err != nil {
		h.logger.Warn("failed to cache remote message",
			zap.String("msg_id", wire.MsgID), zap.Error(err))
	}
	if err := h.db.UpsertChannel(&store.Channel{
		ID:                 wire.ChannelID,
		Name:               wire.ChannelName,
		LastMessageAt:      wire.Timestamp,
		LastMessagePreview: wire.Body,
	}); err != nil {
		h.logger.Warn("failed to update channel preview",
			zap.String("channel_id", wire.ChannelID), zap.Error(err))
	}

	h.bus.Publish(bus.NewEvent("message.upserted", map[string]string{
		"channel_id": wire.ChannelID,
		"msg_id":     wire.MsgID,
	}))
}

// HandleIncident is wired to the SSE "incident.raised" stream. Incidents
// land in their channel view like messages and are re-announced for the
// status machine and CLI.
func (h *Hub) HandleIncident(evt transport.StreamEvent) {
	var wire wireIncident
	if err := json.Unmarshal(evt.Raw, &wire); err != nil || wire.ID == "" {
		h.logger.Warn("undecodable incident event", zap.String("event", evt.Name))
		return
	}
	channelID := wire.ChannelID
	if channelID == "" {
		channelID = "incidents"
	}

	msg := store.Message{
		ChannelID: channelID,
		MsgID:     wire.ID,
		Body:      wire.Title,
		Kind:      store.KindEvent,
		Status:    store.QueueSent,
		Timestamp: wire.Timestamp,
	}

	h.mu.Lock()
	h.collection(channelID).ApplyRemoteUpdate(msg)
	h.mu.Unlock()

	if err := h.db.UpsertMessage(&msg); err != nil {
		h.logger.Warn("failed to cache incident",
			zap.String("incident_id", wire.ID), zap.Error(err))
	}
	if err := h.db.UpsertChannel(&store.Channel{
		ID:                 channelID,
		Kind:               "incident",
		LastMessageAt:      wire.Timestamp,
		LastMessagePreview: wire.Title,
	}); err != nil {
		h.logger.Warn("failed to update incident channel",
			zap.String("channel_id", channelID), zap.Error(err))
	}

	h.logger.Warn("incident raised",
		zap.String("incident_id", wire.ID),
		zap.String("severity", wire.Severity),
		zap.String("title", wire.Title))
	h.bus.Publish(bus.NewEvent("incident.raised", map[string]string{
		"incident_id": wire.ID,
		"channel_id":  channelID,
		"severity":    wire.Severity,
	}))
}
