package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/bus"
	"github.com/vigia-app/vigia/internal/status"
)

// onlineSetter is the slice of the queue controller the coordinator drives.
type onlineSetter interface {
	SetOnline(online bool)
}

// coordinator translates stream lifecycle events into daemon status
// transitions and the queue controller's online flag. The channel stream is
// authoritative for connectivity; the incident stream reconnects on its own
// without affecting delivery.
type coordinator struct {
	bus     *bus.Bus
	machine *status.Machine
	queue   onlineSetter
	logger  *zap.Logger

	cancel context.CancelFunc
	unsubs []func()
}

func newCoordinator(b *bus.Bus, m *status.Machine, q onlineSetter, logger *zap.Logger) *coordinator {
	return &coordinator{bus: b, machine: m, queue: q, logger: logger}
}

func (c *coordinator) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	streamCh, unsubStream := c.bus.Subscribe("stream.", 64)
	syncCh, unsubSync := c.bus.Subscribe("sync.", 16)
	c.unsubs = []func(){unsubStream, unsubSync}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-streamCh:
				c.handleStream(evt)
			case evt := <-syncCh:
				if evt.Kind == "sync.caught_up" {
					_ = c.machine.Transition(status.Ready)
				}
			}
		}
	}()
}

func (c *coordinator) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
}

func (c *coordinator) handleStream(evt bus.Event) {
	topic, _ := evt.Payload.(string)
	if topic != "channels" {
		return
	}

	switch evt.Kind {
	case "stream.connected":
		c.queue.SetOnline(true)
		if c.machine.Current() == status.Reconnecting {
			_ = c.machine.Transition(status.Connecting)
		}
		if err := c.machine.Transition(status.Syncing); err != nil {
			c.logger.Debug("status transition skipped", zap.Error(err))
		}

	case "stream.disconnected", "stream.reconnecting":
		c.queue.SetOnline(false)
		if cur := c.machine.Current(); cur != status.Reconnecting && cur != status.Offline {
			if err := c.machine.Transition(status.Reconnecting); err != nil {
				c.logger.Debug("status transition skipped", zap.Error(err))
			}
		}
	}
}
