// Package event defines the orchestrator's event types and a small
// synchronous pub-sub bus. The bus decouples the session coordinator from
// its consumers (CLI layer, tests) without direct dependencies.
package event

import (
	"log"
	"runtime/debug"
	"sync"
)

// Handler is a function that handles a published event.
type Handler func(Event)

// Bus is a synchronous pub-sub event bus. Handlers run on the publishing
// goroutine; a panicking handler is recovered and logged so it cannot
// block delivery to the remaining handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler // event type -> id -> handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers a handler for an event type and returns a function
// that removes the subscription. Subscribe with TypeAny to receive every
// published event.
func (b *Bus) Subscribe(eventType string, handler Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]Handler)
	}
	b.subs[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[eventType], id)
	}
}

// Publish dispatches an event to handlers subscribed to its type, then to
// TypeAny handlers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Type])+len(b.subs[TypeAny]))
	for _, h := range b.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[TypeAny] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		safeCall(h, ev)
	}
}

func safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s", ev.Type, r, debug.Stack())
		}
	}()
	h(ev)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}
