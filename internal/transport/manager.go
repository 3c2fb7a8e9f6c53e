package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/bus"
)

// Status is the connection lifecycle state of a Manager.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusConnecting   Status = "connecting"
	StatusOnline       Status = "online"
	StatusReconnecting Status = "reconnecting"
)

// ErrNotConnected is returned by Send when the connection is down and the
// frame was not buffered for later delivery.
var ErrNotConnected = errors.New("transport: not connected")

// overflowLimit bounds the in-memory buffer of frames written while a
// reconnect is in progress. The durable outbound queue lives in the store;
// this buffer only smooths short gaps.
const overflowLimit = 64

// Options configures a Manager.
type Options struct {
	BaseURL           string // http(s) base, rewritten to ws(s)
	Path              string // e.g. /ws/channels/<topic>
	Token             string // optional, appended as a query parameter
	HeartbeatInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 30 * time.Second
	}
}

// Manager owns at most one live WebSocket connection for a logical topic and
// recovers it automatically. Instances are constructor-injected into whoever
// needs the topic; there is no package-level connection.
type Manager struct {
	topic      string
	opts       Options
	dispatcher *Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	lastErr   string
	manual    bool
	back      *backoff
	retry     *time.Timer
	hbStop    chan struct{}
	overflow  []*Frame
}

// NewManager creates a connection manager for one topic. Connect must be
// called to bring the connection up.
func NewManager(topic string, opts Options, d *Dispatcher, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.defaults()
	if d == nil {
		d = NewDispatcher()
	}
	return &Manager{
		topic:      topic,
		opts:       opts,
		dispatcher: d,
		bus:        b,
		logger:     logger,
		status:     StatusOffline,
		back:       newBackoff(opts.BackoffFloor, opts.BackoffCeiling),
	}
}

// Dispatcher returns the event dispatcher attached to this manager.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the most recent transport error text, if any.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Attempts returns the number of reconnect attempts since the last
// successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.back.attempt
}

// Connect establishes the connection. No-op when already connecting or
// online. A dial failure is not fatal: it schedules a reconnect with the
// same backoff policy as a post-connection failure and returns the error
// for the caller's information.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.status == StatusConnecting || m.status == StatusOnline {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusConnecting
	m.manual = false
	m.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(m.wsURL(), nil)
	if err != nil {
		m.logger.Warn("dial failed",
			zap.String("topic", m.topic),
			zap.Error(err))
		m.handleFailure(err)
		return fmt.Errorf("dial %s: %w", m.topic, err)
	}

	m.mu.Lock()
	// Disconnect may have been called while the dial was in flight. The
	// manual flag wins: drop the fresh socket and stay offline.
	if m.manual {
		m.mu.Unlock()
		_ = conn.Close()
		m.logger.Info("dial completed after manual disconnect, dropping connection",
			zap.String("topic", m.topic))
		return nil
	}
	m.conn = conn
	m.status = StatusOnline
	m.lastErr = ""
	m.back.reset()
	m.hbStop = make(chan struct{})
	hbStop := m.hbStop
	pending := m.overflow
	m.overflow = nil
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("topic", m.topic))
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("stream.connected", m.topic))
	}

	go m.readLoop(conn)
	go m.heartbeatLoop(hbStop)

	// Flush frames buffered during the outage, oldest first.
	for _, f := range pending {
		if err := m.writeFrame(f); err != nil {
			break
		}
	}

	return nil
}

// Disconnect closes the connection deliberately. Pending reconnect timers
// and the heartbeat are cancelled; no automatic reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.status = StatusOffline
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	m.logger.Info("disconnected", zap.String("topic", m.topic))
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("stream.disconnected", m.topic))
	}
}

// Send transmits a typed frame. While online it writes immediately. During
// a transient outage (connecting/reconnecting) the frame is parked in a
// bounded overflow buffer and flushed on reconnect. When offline after a
// manual disconnect the frame is rejected with ErrNotConnected.
func (m *Manager) Send(frameType string, payload any) error {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	switch m.status {
	case StatusOnline:
		m.mu.Unlock()
		return m.writeFrame(f)
	case StatusConnecting, StatusReconnecting:
		if len(m.overflow) < overflowLimit {
			m.overflow = append(m.overflow, f)
		}
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return ErrNotConnected
	}
}

func (m *Manager) writeFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	// gorilla allows one concurrent writer; serialize through the write deadline.
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			manual := m.manual
			if m.conn == conn {
				m.conn = nil
			}
			if m.hbStop != nil {
				close(m.hbStop)
				m.hbStop = nil
			}
			m.mu.Unlock()
			if manual {
				return
			}
			m.logger.Warn("connection lost",
				zap.String("topic", m.topic),
				zap.Error(err))
			if m.bus != nil {
				m.bus.Publish(bus.NewEvent("stream.disconnected", m.topic))
			}
			m.handleFailure(err)
			return
		}

		var f Frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil || f.Type == "" {
			// Undecodable frame: deliver raw under the wildcard-only name.
			m.dispatcher.Dispatch("raw", data)
			continue
		}
		m.dispatcher.Dispatch(f.Type, f.Data)
	}
}

// handleFailure transitions to reconnecting and schedules the next attempt.
// The timer is single-shot and is cancelled by a manual Disconnect.
func (m *Manager) handleFailure(err error) {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return
	}
	m.status = StatusReconnecting
	m.lastErr = err.Error()
	delay := m.back.next()
	attempt := m.back.attempt
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		manual := m.manual
		m.mu.Unlock()
		if manual {
			return
		}
		_ = m.Connect()
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.String("topic", m.topic),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("stream.reconnecting", m.topic))
	}
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Send("ping", nil); err != nil {
				return
			}
		}
	}
}

// wsURL derives the WebSocket URL from the configured base and path,
// appending the token as a query parameter when present.
func (m *Manager) wsURL() string {
	base := m.opts.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + m.opts.Path
	if m.opts.Token != "" {
		u += "?token=" + url.QueryEscape(m.opts.Token)
	}
	return u
}
