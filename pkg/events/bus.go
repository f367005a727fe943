// Package events provides the in-process lifecycle event bus
package events

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Listener receives emitted events
type Listener func(event *types.Event)

// Subscription identifies a registered listener for Off
type Subscription struct {
	id        uint64
	eventType types.EventType
	all       bool
}

type entry struct {
	id       uint64
	listener Listener
}

// Bus delivers events to listeners synchronously, in registration order.
// A panicking listener is logged and skipped; later listeners still run.
type Bus struct {
	mu        sync.RWMutex
	listeners map[types.EventType][]entry
	wildcard  []entry
	nextID    uint64
	logger    *logging.Logger
}

// NewBus creates an event bus. A nil logger discards panic reports.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		listeners: make(map[types.EventType][]entry),
		logger:    logger.WithComponent("events"),
	}
}

// On registers listener for one event type
func (b *Bus) On(eventType types.EventType, listener Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[eventType] = append(b.listeners[eventType], entry{id: b.nextID, listener: listener})
	return Subscription{id: b.nextID, eventType: eventType}
}

// OnAll registers listener for every event type. Wildcard listeners run after
// the listeners registered for the specific type.
func (b *Bus) OnAll(listener Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.wildcard = append(b.wildcard, entry{id: b.nextID, listener: listener})
	return Subscription{id: b.nextID, all: true}
}

// Off removes a listener. Unknown subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		b.wildcard = without(b.wildcard, sub.id)
		return
	}
	b.listeners[sub.eventType] = without(b.listeners[sub.eventType], sub.id)
}

// Emit delivers event to every matching listener before returning
func (b *Bus) Emit(event *types.Event) {
	b.mu.RLock()
	targets := make([]entry, 0, len(b.listeners[event.Type])+len(b.wildcard))
	targets = append(targets, b.listeners[event.Type]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	for _, e := range targets {
		b.deliver(e.listener, event)
	}
}

// ListenerCount returns the number of listeners that would receive eventType
func (b *Bus) ListenerCount(eventType types.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType]) + len(b.wildcard)
}

func (b *Bus) deliver(listener Listener, event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithError(fmt.Errorf("%v", r)).
				WithField("event_type", string(event.Type)).
				WithField("stack", string(debug.Stack())).
				Error("event listener panicked")
		}
	}()
	listener(event)
}

func without(entries []entry, id uint64) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
