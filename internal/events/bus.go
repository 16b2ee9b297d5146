// Package events provides the in-process event bus that carries
// recovery-lifecycle notifications and inbound protocol events between
// the bridge's components.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single named occurrence on the bus.
type Event struct {
	// Name identifies the event type (e.g. recovery.EventCircuitTripped
	// or an inbound protocol event like "irc.whois.reply").
	Name string

	// Service names the upstream the event relates to, if any.
	Service string

	// Args carries positional string arguments for protocol events.
	Args []string

	// Payload carries an arbitrary structured payload (snapshots, errors).
	Payload any

	// Time is when the event was emitted.
	Time time.Time
}

// Handler receives events for a subscription.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe bus. Handlers are
// invoked on the emitter's goroutine; they must not block.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[string]Handler),
	}
}

// Subscribe registers a handler for the named event and returns a token
// used to unsubscribe.
func (b *Bus) Subscribe(name string, h Handler) string {
	token := uuid.New().String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[name] == nil {
		b.subs[name] = make(map[string]Handler)
	}
	b.subs[name][token] = h

	return token
}

// Unsubscribe removes a previously registered handler. Unknown tokens
// are ignored so cleanup paths can call it unconditionally.
func (b *Bus) Unsubscribe(name, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[name]; ok {
		delete(handlers, token)
		if len(handlers) == 0 {
			delete(b.subs, name)
		}
	}
}

// Emit delivers the event to all handlers subscribed to its name.
// Handlers are snapshotted before dispatch so they may subscribe or
// unsubscribe from within a callback.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Name]))
	for _, h := range b.subs[e.Name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// SubscriberCount returns the number of handlers registered for the
// named event. Used by tests to verify listener cleanup.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[string]Handler)
}
