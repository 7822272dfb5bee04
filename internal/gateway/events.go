package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventHandler is a callback invoked for an inbound event frame. Handlers
// registered under a specific name receive only that event; handlers under
// EventWildcard receive every event after the named handlers have run.
type EventHandler func(event string, payload json.RawMessage)

type eventSub struct {
	id      uint64
	handler EventHandler
}

// dispatcher maintains ordered handler lists per event name. Handlers run
// synchronously from the receive loop in registration order, so they must
// not block; a panicking handler is recovered and logged without affecting
// the other handlers or the loop.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[string][]eventSub
	nextID   atomic.Uint64
	logger   *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]eventSub),
		logger:   logger,
	}
}

// subscribe registers handler for event (or EventWildcard) and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (d *dispatcher) subscribe(event string, handler EventHandler) func() {
	id := d.nextID.Add(1)
	sub := eventSub{id: id, handler: handler}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.handlers[event]
		for i, s := range subs {
			if s.id == id {
				d.handlers[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch invokes the handlers registered for event, then the wildcard
// handlers, in registration order.
func (d *dispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.Lock()
	named := make([]eventSub, len(d.handlers[event]))
	copy(named, d.handlers[event])
	wild := make([]eventSub, len(d.handlers[EventWildcard]))
	copy(wild, d.handlers[EventWildcard])
	d.mu.Unlock()

	for _, sub := range named {
		d.invoke(event, payload, sub)
	}
	for _, sub := range wild {
		d.invoke(event, payload, sub)
	}
}

func (d *dispatcher) invoke(event string, payload json.RawMessage, sub eventSub) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event", event,
				"panic", r,
			)
		}
	}()
	sub.handler(event, payload)
}
