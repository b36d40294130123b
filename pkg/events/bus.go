package events

import (
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "events:bus"

// Observer receives lifecycle events. Observers run synchronously on the
// calling goroutine and must not modify the event.
type Observer func(ev *Event)

// Bus fans events out to registered observers.
type Bus struct {
	mu        sync.RWMutex
	observers map[string][]Observer
	all       []Observer
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{observers: make(map[string][]Observer)}
}

// On registers fn for events named name.
func (b *Bus) On(name string, fn Observer) {
	b.mu.Lock()
	b.observers[name] = append(b.observers[name], fn)
	b.mu.Unlock()
}

// OnAll registers fn for every event.
func (b *Bus) OnAll(fn Observer) {
	b.mu.Lock()
	b.all = append(b.all, fn)
	b.mu.Unlock()
}

// Has reports whether any observer would receive events named name.
func (b *Bus) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.all) > 0 || len(b.observers[name]) > 0
}

// Emit delivers ev to its observers. A panicking observer is logged and skipped.
func (b *Bus) Emit(ev *Event) {
	b.mu.RLock()
	named := b.observers[ev.Name]
	targets := make([]Observer, 0, len(named)+len(b.all))
	targets = append(targets, named...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Observer, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - observer for %s panicked: %v", logPrefix, ev.Name, r))
		}
	}()
	fn(ev)
}
