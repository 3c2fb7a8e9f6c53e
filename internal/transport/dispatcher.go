package transport

import (
	"reflect"
	"sync"
)

// Wildcard subscribes a handler to every event regardless of name.
// Wildcard handlers always fire after the handlers registered for the
// specific event name.
const Wildcard = "*"

// Handler receives decoded stream events.
type Handler func(evt StreamEvent)

// Dispatcher demultiplexes inbound frames into typed events and fans them
// out to subscribers by event name. It belongs to the connection manager,
// not to any particular socket, so subscriptions survive reconnects.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]handlerEntry
	next int
}

type handlerEntry struct {
	id      int
	fnPtr   uintptr
	handler Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]handlerEntry)}
}

// Subscribe registers handler for the given event name and returns an
// unsubscribe function. Registration has set semantics: subscribing the
// same handler reference twice for the same name does not double delivery.
func (d *Dispatcher) Subscribe(name string, handler Handler) func() {
	ptr := reflect.ValueOf(handler).Pointer()

	d.mu.Lock()
	for _, e := range d.subs[name] {
		if e.fnPtr == ptr {
			id := e.id
			d.mu.Unlock()
			return func() { d.remove(name, id) }
		}
	}
	id := d.next
	d.next++
	d.subs[name] = append(d.subs[name], handlerEntry{id: id, fnPtr: ptr, handler: handler})
	d.mu.Unlock()

	return func() { d.remove(name, id) }
}

func (d *Dispatcher) remove(name string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subs[name]
	for i, e := range entries {
		if e.id == id {
			d.subs[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch decodes a frame payload and delivers the resulting event:
// name-specific handlers first, then wildcard handlers, each class in
// insertion order. Delivery is synchronous on the caller's goroutine so
// transport arrival order is preserved per subscription.
func (d *Dispatcher) Dispatch(name string, raw []byte) {
	evt := decodeEvent(name, raw)

	d.mu.RLock()
	named := append([]handlerEntry(nil), d.subs[name]...)
	wild := append([]handlerEntry(nil), d.subs[Wildcard]...)
	d.mu.RUnlock()

	for _, e := range named {
		e.handler(evt)
	}
	for _, e := range wild {
		e.handler(evt)
	}
}
