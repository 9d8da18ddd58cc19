// Package eventbus is the in-process publish/subscribe surface that the
// session and synchronization layers use to notify collaborators.
package eventbus

import (
	"log"
	"runtime/debug"
	"sync"
)

// Handler receives an emitted event.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	name Name
	id   uint64
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously, in registration order.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Name][]entry
	any      []entry
}

func New() *Bus {
	return &Bus{handlers: make(map[Name][]entry)}
}

// On registers handler for events named name.
func (b *Bus) On(name Name, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[name] = append(b.handlers[name], entry{id: b.nextID, handler: handler})
	return Subscription{name: name, id: b.nextID}
}

// OnAny registers handler for every event.
func (b *Bus) OnAny(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.any = append(b.any, entry{id: b.nextID, handler: handler})
	return Subscription{id: b.nextID}
}

// Off removes a handler. Unknown subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.name == "" {
		b.any = without(b.any, sub.id)
		return
	}
	list := without(b.handlers[sub.name], sub.id)
	if len(list) == 0 {
		delete(b.handlers, sub.name)
		return
	}
	b.handlers[sub.name] = list
}

// Emit delivers ev to named handlers first, then to catch-all handlers. A
// panicking handler is logged and skipped.
func (b *Bus) Emit(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	named := b.handlers[ev.Name()]
	targets := make([]entry, 0, len(named)+len(b.any))
	targets = append(targets, named...)
	targets = append(targets, b.any...)
	b.mu.RUnlock()

	for _, target := range targets {
		deliver(ev, target.handler)
	}
}

// Subscribe registers a handler typed to one event struct.
func Subscribe[T Event](b *Bus, handler func(T)) Subscription {
	var zero T
	return b.On(zero.Name(), func(ev Event) {
		if typed, ok := ev.(T); ok {
			handler(typed)
		}
	})
}

func deliver(ev Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event handler panic event=%s err=%v\n%s", ev.Name(), r, debug.Stack())
		}
	}()
	handler(ev)
}

func without(list []entry, id uint64) []entry {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
