// Package queue guarantees eventual delivery of outbound messages across
// connectivity gaps: bounded retries with exponential delay, explicit
// conflict resolution, and a full oldest-first drain when the connection
// comes back. The sqlite queue table is the source of truth; in-memory
// state is rebuilt from it on startup.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/bus"
	"github.com/vigia-app/vigia/internal/store"
)

// Conflict resolution policies accepted by ResolveConflict.
const (
	ResolveAcceptClient = "accept-client"
	ResolveAcceptServer = "accept-server"
	ResolveMerge        = "merge"
)

// Sender delivers one queued message and returns the server-assigned id.
// A *ConflictError return parks the entry for explicit resolution instead
// of consuming a retry.
type Sender interface {
	Send(ctx context.Context, msg *store.QueuedMessage) (serverMsgID string, err error)
}

// Controller orchestrates enqueue, send, retry, and conflict resolution
// for the outbound queue.
type Controller struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger

	retryCeiling int
	retryFloor   time.Duration
	retryCeil    time.Duration

	mu     sync.Mutex
	online bool
	timers map[string]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a queue controller. retryCeiling bounds send
// attempts per entry; the retry delay doubles per attempt from retryFloor,
// capped at retryDelayCap.
func NewController(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger, retryCeiling int, retryFloor, retryDelayCap time.Duration) *Controller {
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	if retryFloor <= 0 {
		retryFloor = time.Second
	}
	if retryDelayCap <= 0 {
		retryDelayCap = 30 * time.Second
	}
	return &Controller{
		db:           db,
		sender:       sender,
		bus:          b,
		logger:       logger,
		retryCeiling: retryCeiling,
		retryFloor:   retryFloor,
		retryCeil:    retryDelayCap,
		timers:       make(map[string]*time.Timer),
	}
}

// Start rebuilds queue state from storage. Any entry that was mid-send
// when the previous process died is returned to pending; cached aggregates
// are recomputed. The controller starts offline until SetOnline is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	n, err := c.db.NormalizeSending()
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("normalized interrupted sends", zap.Int64("count", n))
	}
	if _, err := c.db.RecomputeCounts(); err != nil {
		c.logger.Warn("failed to recompute queue counts", zap.Error(err))
	}
	return nil
}

// Stop cancels scheduled retries.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// Online reports the controller's connectivity flag.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Enqueue assigns a client id, persists the message as pending, and returns
// the id. When online, delivery is attempted immediately in the background.
// A persistence failure is logged and does not lose the enqueue: the
// in-memory attempt proceeds, degraded to non-durable.
func (c *Controller) Enqueue(channelID, kind, content, metadata string) string {
	id := uuid.NewString()
	msg := &store.QueuedMessage{
		ClientMsgID: id,
		ChannelID:   channelID,
		Kind:        kind,
		Content:     content,
		Metadata:    metadata,
		Status:      store.QueuePending,
		MaxRetries:  c.retryCeiling,
	}
	if err := c.db.PutQueued(msg); err != nil {
		c.logger.Error("failed to persist queue entry",
			zap.String("client_msg_id", id), zap.Error(err))
	}

	// Optimistic local echo: the message shows up in the channel read model
	// before the server has seen it.
	now := time.Now().UnixMilli()
	if err := c.db.UpsertMessage(&store.Message{
		ChannelID:  channelID,
		MsgID:      id,
		Body:       content,
		Kind:       kind,
		FromMe:     true,
		Optimistic: true,
		Status:     store.QueueSending,
		Timestamp:  now,
	}); err != nil {
		c.logger.Warn("optimistic insert failed",
			zap.String("client_msg_id", id), zap.Error(err))
	}
	c.publish("queue.enqueued", map[string]string{
		"client_msg_id": id,
		"channel_id":    channelID,
		"kind":          kind,
		"content":       content,
	})
	c.refreshCounts()

	c.mu.Lock()
	online := c.online
	ctx := c.ctx
	c.mu.Unlock()
	if online {
		go c.AttemptSend(ctx, id)
	}
	return id
}

// AttemptSend performs one delivery attempt for a pending entry. On success
// the entry becomes sent and the server id replaces the optimistic local
// one. On failure the retry counter advances; at the ceiling the entry goes
// terminal failed, otherwise it returns to pending with a retry scheduled
// after an exponentially growing, capped delay.
func (c *Controller) AttemptSend(ctx context.Context, clientMsgID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := c.db.GetQueued(clientMsgID)
	if err != nil {
		c.logger.Error("failed to load queue entry",
			zap.String("client_msg_id", clientMsgID), zap.Error(err))
		return
	}
	if msg == nil || msg.Status != store.QueuePending {
		return
	}

	if err := c.db.MarkQueueStatus(clientMsgID, store.QueueSending, ""); err != nil {
		c.logger.Warn("failed to mark sending",
			zap.String("client_msg_id", clientMsgID), zap.Error(err))
	}

	serverMsgID, err := c.sender.Send(ctx, msg)
	if err == nil {
		c.markSent(msg, serverMsgID)
		return
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		c.markConflict(msg, conflict)
		return
	}
	c.markRetry(msg, err)
}

func (c *Controller) markSent(msg *store.QueuedMessage, serverMsgID string) {
	if err := c.db.MarkQueueSent(msg.ClientMsgID, serverMsgID); err != nil {
		c.logger.Error("failed to mark sent",
			zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
	}
	if err := c.db.ReplaceMessageID(msg.ChannelID, msg.ClientMsgID, serverMsgID); err != nil {
		c.logger.Warn("failed to confirm optimistic message",
			zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
	}
	c.refreshCounts()
	c.logger.Info("message sent",
		zap.String("client_msg_id", msg.ClientMsgID),
		zap.String("server_msg_id", serverMsgID))
	c.publish("queue.sent", map[string]string{
		"client_msg_id": msg.ClientMsgID,
		"server_msg_id": serverMsgID,
		"channel_id":    msg.ChannelID,
	})
}

func (c *Controller) markConflict(msg *store.QueuedMessage, conflict *ConflictError) {
	if err := c.db.MarkQueueStatus(msg.ClientMsgID, store.QueueConflict, conflict.Detail); err != nil {
		c.logger.Error("failed to mark conflict",
			zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
	}
	c.refreshCounts()
	c.logger.Warn("send conflicted, awaiting resolution",
		zap.String("client_msg_id", msg.ClientMsgID),
		zap.String("detail", conflict.Detail))
	c.publish("queue.conflict", map[string]string{
		"client_msg_id": msg.ClientMsgID,
		"channel_id":    msg.ChannelID,
		"detail":        conflict.Detail,
	})
}

func (c *Controller) markRetry(msg *store.QueuedMessage, sendErr error) {
	if err := c.db.BumpQueueRetry(msg.ClientMsgID, sendErr.Error()); err != nil {
		c.logger.Error("failed to bump retry",
			zap.String("client_msg_id", msg.ClientMsgID), zap.Error(err))
	}
	c.refreshCounts()

	after, err := c.db.GetQueued(msg.ClientMsgID)
	if err != nil || after == nil {
		return
	}
	if after.Status == store.QueueFailed {
		// Terminal: reflect it on the optimistic echo.
		if upErr := c.db.UpsertMessage(&store.Message{
			ChannelID:  msg.ChannelID,
			MsgID:      msg.ClientMsgID,
			Body:       msg.Content,
			Kind:       msg.Kind,
			FromMe:     true,
			Optimistic: true,
			Status:     store.QueueFailed,
			Timestamp:  msg.CreatedAt,
		}); upErr != nil {
			c.logger.Warn("failed to mark optimistic message failed", zap.Error(upErr))
		}
		c.logger.Error("retry ceiling reached",
			zap.String("client_msg_id", msg.ClientMsgID),
			zap.Int("retries", after.RetryCount),
			zap.Error(ErrRetryExhausted))
		c.publish("queue.failed", map[string]string{
			"client_msg_id": msg.ClientMsgID,
			"channel_id":    msg.ChannelID,
			"error":         sendErr.Error(),
		})
		return
	}

	delay := c.retryDelay(after.RetryCount)
	c.logger.Warn("send failed, retry scheduled",
		zap.String("client_msg_id", msg.ClientMsgID),
		zap.Int("retry", after.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(sendErr))
	c.publish("queue.retry", map[string]string{
		"client_msg_id": msg.ClientMsgID,
		"channel_id":    msg.ChannelID,
		"error":         sendErr.Error(),
	})
	c.scheduleRetry(msg.ClientMsgID, delay)
}

// retryDelay doubles per attempt from the floor and never exceeds the cap,
// mirroring the connection manager's backoff ceiling.
func (c *Controller) retryDelay(retryCount int) time.Duration {
	d := c.retryFloor
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= c.retryCeil {
			return c.retryCeil
		}
	}
	if d > c.retryCeil {
		return c.retryCeil
	}
	return d
}

func (c *Controller) scheduleRetry(clientMsgID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[clientMsgID]; ok {
		t.Stop()
	}
	ctx := c.ctx
	c.timers[clientMsgID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, clientMsgID)
		online := c.online
		c.mu.Unlock()
		if !online {
			// The drain on the next SetOnline(true) picks it up.
			return
		}
		c.AttemptSend(ctx, clientMsgID)
	})
}

// SetOnline flips the connectivity flag. Going online drains every pending
// entry oldest first, sequentially. Going offline is non-destructive.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	ctx := c.ctx
	c.mu.Unlock()

	state, err := c.db.GetSyncState()
	if err == nil {
		state.Online = online
		if err := c.db.PutSyncState(state); err != nil {
			c.logger.Warn("failed to persist online flag", zap.Error(err))
		}
	}

	if online && !was {
		c.drain(ctx)
	}
}

func (c *Controller) drain(ctx context.Context) {
	pending, err := c.db.QueueByStatus(store.QueuePending)
	if err != nil {
		c.logger.Error("failed to read pending queue", zap.Error(err))
		return
	}
	c.logger.Info("draining queue", zap.Int("pending", len(pending)))
	for i := range pending {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		c.AttemptSend(ctx, pending[i].ClientMsgID)
	}
}

// RetryFailed resets one failed entry to pending with a zeroed counter and
// re-attempts it when online.
func (c *Controller) RetryFailed(clientMsgID string) error {
	if err := c.db.ResetQueueRetry(clientMsgID); err != nil {
		return err
	}
	c.refreshCounts()
	c.mu.Lock()
	online := c.online
	ctx := c.ctx
	c.mu.Unlock()
	if online {
		go c.AttemptSend(ctx, clientMsgID)
	}
	return nil
}

// RetryAllFailed resets every failed entry, oldest first.
func (c *Controller) RetryAllFailed() (int, error) {
	failed, err := c.db.QueueByStatus(store.QueueFailed)
	if err != nil {
		return 0, err
	}
	for i := range failed {
		if err := c.RetryFailed(failed[i].ClientMsgID); err != nil {
			return i, err
		}
	}
	return len(failed), nil
}

// ResolveConflict applies exactly one resolution policy to a conflicted
// entry. accept-client keeps the local content and retries; accept-server
// discards the local version and deletes the queue record; merge splices
// mergedContent into the record and retries. The policy is never inferred.
func (c *Controller) ResolveConflict(clientMsgID, policy, mergedContent string) error {
	msg, err := c.db.GetQueued(clientMsgID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status != store.QueueConflict {
		return &ConflictError{ClientMsgID: clientMsgID, Detail: "no conflicted entry"}
	}

	switch policy {
	case ResolveAcceptClient:
		msg.Resolution = policy
		if err := c.db.PutQueued(msg); err != nil {
			return err
		}
		return c.RetryFailed(clientMsgID)

	case ResolveAcceptServer:
		if err := c.db.DeleteQueued(clientMsgID); err != nil {
			return err
		}
		if err := c.db.DeleteMessage(msg.ChannelID, clientMsgID); err != nil {
			c.logger.Warn("failed to drop optimistic message",
				zap.String("client_msg_id", clientMsgID), zap.Error(err))
		}
		c.refreshCounts()
		c.publish("queue.resolved", map[string]string{
			"client_msg_id": clientMsgID,
			"channel_id":    msg.ChannelID,
			"resolution":    policy,
		})
		return nil

	case ResolveMerge:
		msg.Content = mergedContent
		msg.Resolution = policy
		if err := c.db.PutQueued(msg); err != nil {
			return err
		}
		if err := c.db.UpsertMessage(&store.Message{
			ChannelID:  msg.ChannelID,
			MsgID:      clientMsgID,
			Body:       mergedContent,
			Kind:       msg.Kind,
			FromMe:     true,
			Optimistic: true,
			Status:     store.QueueSending,
			Timestamp:  msg.CreatedAt,
		}); err != nil {
			c.logger.Warn("failed to update optimistic message",
				zap.String("client_msg_id", clientMsgID), zap.Error(err))
		}
		return c.RetryFailed(clientMsgID)

	default:
		return ErrUnknownResolution
	}
}

func (c *Controller) refreshCounts() {
	if _, err := c.db.RecomputeCounts(); err != nil {
		c.logger.Warn("failed to recompute queue counts", zap.Error(err))
	}
}

func (c *Controller) publish(kind string, payload map[string]string) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}
