// Package sync pulls the server events missed while disconnected. The
// catch-up is cursor-based: every page advances a checkpoint persisted in
// sync_state, so an interrupted pull resumes where it left off and
// re-applied pages are harmless.
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/api"
	"github.com/vigia-app/vigia/internal/bus"
	"github.com/vigia-app/vigia/internal/store"
	"github.com/vigia-app/vigia/internal/transport"
)

// Puller fetches one page of server events after a cursor.
type Puller interface {
	SyncSince(ctx context.Context, cursor string) (*api.SyncPage, error)
}

// Applier applies one server event to the reconciled views and read models.
type Applier interface {
	HandleRemoteMessage(evt transport.StreamEvent)
}

// Engine drives catch-up pulls whenever a stream comes back up.
type Engine struct {
	db      *store.DB
	puller  Puller
	applier Applier
	bus     *bus.Bus
	logger  *zap.Logger

	mu      stdsync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, puller Puller, applier Applier, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		puller:  puller,
		applier: applier,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to stream lifecycle events and catches up after every
// reconnect.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("stream.connected", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				go func() {
					if err := e.CatchUp(ctx); err != nil {
						e.logger.Error("catch-up failed", zap.Error(err))
					}
				}()
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// CatchUp pulls pages from the persisted cursor until the server reports no
// more, applying each event idempotently. Only one catch-up runs at a time;
// a concurrent call is a no-op.
func (e *Engine) CatchUp(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	state, err := e.db.GetSyncState()
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	cursor := state.Cursor

	applied := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := e.puller.SyncSince(ctx, cursor)
		if err != nil {
			return fmt.Errorf("pull since %q: %w", cursor, err)
		}

		for _, raw := range page.Events {
			e.applier.HandleRemoteMessage(transport.StreamEvent{Name: "message.new", Raw: raw})
			applied++
		}

		cursor = page.NextCursor
		state.Cursor = cursor
		state.LastSyncAt = time.Now().UnixMilli()
		if err := e.db.PutSyncState(state); err != nil {
			e.logger.Warn("failed to persist sync cursor", zap.Error(err))
		}

		if !page.HasMore {
			break
		}
	}

	e.logger.Info("catch-up complete",
		zap.Int("events", applied),
		zap.String("cursor", cursor))
	e.bus.Publish(bus.NewEvent("sync.caught_up", map[string]any{
		"events": applied,
		"cursor": cursor,
	}))
	return nil
}
