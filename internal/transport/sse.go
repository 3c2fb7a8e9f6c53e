package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/bus"
)

// SSEOptions configures an SSEClient.
type SSEOptions struct {
	BaseURL        string
	Path           string // e.g. /sse/incidents
	Token          string
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	// StaleAfter closes and reconnects a stream that produced no bytes for
	// this long. Server heartbeat comments reset the clock.
	StaleAfter time.Duration
	HTTPClient *http.Client
}

func (o *SSEOptions) defaults() {
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 45 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
}

// SSEClient consumes a server-push event stream (named events, JSON or raw
// payloads) with the same reconnect policy as the WebSocket manager. Used
// for the incident/panic monitor feed, which the server only pushes.
type SSEClient struct {
	topic      string
	opts       SSEOptions
	dispatcher *Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	mu       sync.Mutex
	status   Status
	lastErr  string
	manual   bool
	back     *backoff
	retry    *time.Timer
	cancel   context.CancelFunc
	lastData time.Time
}

// NewSSEClient creates a client for one server-push stream.
func NewSSEClient(topic string, opts SSEOptions, d *Dispatcher, b *bus.Bus, logger *zap.Logger) *SSEClient {
	opts.defaults()
	if d == nil {
		d = NewDispatcher()
	}
	return &SSEClient{
		topic:      topic,
		opts:       opts,
		dispatcher: d,
		bus:        b,
		logger:     logger,
		status:     StatusOffline,
		back:       newBackoff(opts.BackoffFloor, opts.BackoffCeiling),
	}
}

// Dispatcher returns the event dispatcher attached to this client.
func (c *SSEClient) Dispatcher() *Dispatcher { return c.dispatcher }

// Status returns the current connection status.
func (c *SSEClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the stream. No-op when already connecting or online.
// Failures schedule a reconnect and are never fatal.
func (c *SSEClient) Connect() error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusOnline {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.manual = false
	ctx, cancel := context.WithCancel(context.Background())
	// Registered before the dial so Disconnect can abort an in-flight request.
	c.cancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		cancel()
		c.handleFailure(err)
		return fmt.Errorf("sse request %s: %w", c.topic, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		cancel()
		c.handleFailure(err)
		return fmt.Errorf("sse connect %s: %w", c.topic, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		err := fmt.Errorf("sse http %d", resp.StatusCode)
		c.handleFailure(err)
		return err
	}

	c.mu.Lock()
	// Disconnect during the dial wins: drop the stream and stay offline.
	if c.manual {
		c.mu.Unlock()
		cancel()
		resp.Body.Close()
		c.logger.Info("stream opened after manual disconnect, dropping",
			zap.String("topic", c.topic))
		return nil
	}
	c.status = StatusOnline
	c.lastErr = ""
	c.cancel = cancel
	c.lastData = time.Now()
	c.back.reset()
	c.mu.Unlock()

	c.logger.Info("stream open", zap.String("topic", c.topic))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("stream.connected", c.topic))
	}

	go c.readLoop(ctx, resp)
	go c.watchdog(ctx)

	return nil
}

// Disconnect closes the stream deliberately; no reconnect follows.
func (c *SSEClient) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.status = StatusOffline
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.Info("stream closed", zap.String("topic", c.topic))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("stream.disconnected", c.topic))
	}
}

func (c *SSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	eventName := "message"
	var dataLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		c.mu.Lock()
		c.lastData = time.Now()
		c.mu.Unlock()

		switch {
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment: only resets the watchdog clock.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			dataLines = append(dataLines, data)
		case line == "":
			// Event boundary: dispatch the accumulated data lines joined
			// with newlines, then reset to the "message" default.
			if len(dataLines) > 0 {
				c.dispatcher.Dispatch(eventName, []byte(strings.Join(dataLines, "\n")))
			}
			eventName = "message"
			dataLines = nil
		}
	}

	c.mu.Lock()
	manual := c.manual
	c.mu.Unlock()
	if manual {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream ended")
	}
	c.logger.Warn("stream lost", zap.String("topic", c.topic), zap.Error(err))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("stream.disconnected", c.topic))
	}
	c.handleFailure(err)
}

// watchdog force-closes a stream that has gone silent so the reconnect path
// can bring up a fresh one.
func (c *SSEClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastData) > c.opts.StaleAfter
			cancel := c.cancel
			c.mu.Unlock()
			if stale && cancel != nil {
				c.logger.Warn("stream stale, forcing reconnect", zap.String("topic", c.topic))
				cancel()
				return
			}
		}
	}
}

func (c *SSEClient) handleFailure(err error) {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.status = StatusReconnecting
	c.lastErr = err.Error()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	delay := c.back.next()
	attempt := c.back.attempt
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if manual {
			return
		}
		_ = c.Connect()
	})
	c.mu.Unlock()

	c.logger.Info("stream reconnect scheduled",
		zap.String("topic", c.topic),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent("stream.reconnecting", c.topic))
	}
}

func (c *SSEClient) streamURL() string {
	u := c.opts.BaseURL + c.opts.Path
	if c.opts.Token != "" {
		u += "?token=" + url.QueryEscape(c.opts.Token)
	}
	return u
}
