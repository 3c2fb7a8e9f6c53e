package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testSSEOptions(baseURL string) SSEOptions {
	return SSEOptions{
		BaseURL:        baseURL,
		Path:           "/sse/incidents",
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: 80 * time.Millisecond,
		StaleAfter:     time.Hour, // watchdog out of the way unless tested
	}
}

func newTestSSEClient(t *testing.T, opts SSEOptions) *SSEClient {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	c := NewSSEClient("incidents", opts, nil, nil, logger)
	t.Cleanup(c.Disconnect)
	return c
}

func TestSSENamedEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "event: incident.raised\n")
		fmt.Fprint(w, "data: {\"id\":\"inc-1\",\"severity\":\"high\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	got := make(chan StreamEvent, 1)
	c.Dispatcher().Subscribe("incident.raised", func(evt StreamEvent) { got <- evt })

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.Status() != StatusOnline {
		t.Fatalf("status = %s, want online", c.Status())
	}

	select {
	case evt := <-got:
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["id"] != "inc-1" {
			t.Errorf("payload = %v, want map with id=inc-1", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for incident event")
	}
}

func TestSSEDefaultEventName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: plain payload\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	got := make(chan StreamEvent, 1)
	c.Dispatcher().Subscribe("message", func(evt StreamEvent) { got <- evt })

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-got:
		if evt.Payload != "plain payload" {
			t.Errorf("payload = %v, want raw string fallback", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for default-named event")
	}
}

func TestSSEMultilineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: incident.raised\n")
		fmt.Fprint(w, "data: first line\n")
		fmt.Fprint(w, "data: second line\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	got := make(chan StreamEvent, 1)
	c.Dispatcher().Subscribe("incident.raised", func(evt StreamEvent) { got <- evt })

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-got:
		// Data lines belong to one event until the blank line; they are
		// delivered joined, never as fragments.
		if evt.Payload != "first line\nsecond line" {
			t.Errorf("payload = %q, want joined data lines", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for multi-line event")
	}
	select {
	case evt := <-got:
		t.Errorf("unexpected second dispatch: %v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSSEDisconnectDuringDialStaysOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond): // hold the request open
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": open\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	done := make(chan struct{})
	go func() {
		_ = c.Connect()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Connect to return")
	}
	if c.Status() != StatusOffline {
		t.Fatalf("status after manual Disconnect = %s, want offline", c.Status())
	}

	time.Sleep(200 * time.Millisecond)
	if c.Status() != StatusOffline {
		t.Errorf("status = %s after waiting, want offline", c.Status())
	}
}

func TestSSENon200SchedulesReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	if err := c.Connect(); err == nil {
		t.Fatal("Connect() should fail on HTTP 502")
	}
	if c.Status() != StatusReconnecting {
		t.Errorf("status = %s, want reconnecting", c.Status())
	}
}

func TestSSEStaleStreamReconnects(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			// First stream goes silent after the opening comment.
			fmt.Fprint(w, ": open\n\n")
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "event: incident.raised\n")
		fmt.Fprint(w, "data: {\"id\":\"inc-2\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	opts := testSSEOptions(srv.URL)
	opts.StaleAfter = 60 * time.Millisecond
	c := newTestSSEClient(t, opts)

	got := make(chan StreamEvent, 1)
	c.Dispatcher().Subscribe("incident.raised", func(evt StreamEvent) { got <- evt })

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
		// Reached only through the second connection.
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event after stale reconnect")
	}
	if connects.Load() < 2 {
		t.Errorf("connects = %d, want at least 2", connects.Load())
	}
}

func TestSSEManualDisconnectCancelsReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newTestSSEClient(t, testSSEOptions(srv.URL))
	_ = c.Connect()
	c.Disconnect()
	if c.Status() != StatusOffline {
		t.Fatalf("status = %s, want offline", c.Status())
	}

	time.Sleep(200 * time.Millisecond)
	if c.Status() != StatusOffline {
		t.Errorf("status = %s after waiting, want offline", c.Status())
	}
}
