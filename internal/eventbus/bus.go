// Package eventbus implements the process-local publish/subscribe bus used
// by the Connection Manager, Call Manager, and Chat Manager to decouple from
// whatever consumes their events.
package eventbus

import (
	"log"
	"sync"
)

// Handler receives the arguments passed to Emit for the event it subscribed
// to.
type Handler func(args ...any)

// entry pairs a handler with its registration ID so Off/unsubscribe can find
// and remove it while Emit still walks handlers in registration order.
type entry struct {
	id int
	fn Handler
}

// Bus is a single in-process publish/subscribe registry. The zero value is
// not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]entry)}
}

// On registers handler for event and returns a closure that unsubscribes it.
func (b *Bus) On(event string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[event] = append(b.handlers[event], entry{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[event]
		for i, e := range entries {
			if e.id == id {
				b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Once registers handler to fire at most once for event, then unsubscribes
// itself.
func (b *Bus) Once(event string, handler Handler) (unsubscribe func()) {
	var unsub func()
	var fired bool
	var mu sync.Mutex

	unsub = b.On(event, func(args ...any) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		unsub()
		handler(args...)
	})
	return unsub
}

// Off removes every handler registered for event.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, event)
}

// Emit calls every handler registered for event with args, in registration
// order. A panicking handler is recovered and logged so it cannot prevent
// other subscribers from running.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.RLock()
	entries := b.handlers[event]
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.fn
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		callSafely(event, h, args)
	}
}

func callSafely(event string, h Handler, args []any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler for %q panicked: %v", event, r)
		}
	}()
	h(args...)
}
