// Package router stores values keyed by literal patterns and resolves the
// best match for an inbound pattern.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/actbus/pkg/pattern"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const logPrefix = "router:router"

type entry[T any] struct {
	key      string
	literals pattern.Pattern
	seq      uint64
	value    T
}

// Router maps literal patterns to values.
//
// A registered pattern matches an inbound pattern when every registered field
// is present in the inbound pattern with an equal value; extra inbound fields
// are ignored. Among matches the one with more fields wins, ties go to the
// earliest registration. Router is safe for concurrent use.
type Router[T any] struct {
	mu      sync.RWMutex
	byKey   map[string]*entry[T]
	byTopic map[string][]*entry[T]
	ordered []*entry[T]
	seq     uint64
}

// New creates an empty Router.
func New[T any]() *Router[T] {
	return &Router[T]{
		byKey:   make(map[string]*entry[T]),
		byTopic: make(map[string][]*entry[T]),
	}
}

// Add stores v under the literal pattern p. Control fields in p are ignored.
// It fails with PatternAlreadyInUse when an identical pattern is registered.
func (r *Router[T]) Add(p pattern.Pattern, v T) error {
	literals := p.Clean()
	key := pattern.Key(literals)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[key]; exists {
		return rpcerr.Newf(rpcerr.PatternAlreadyInUse, "pattern already in use: %s", literals.String()).
			WithDetails(map[string]interface{}{"pattern": literals.String()})
	}

	r.seq++
	e := &entry[T]{key: key, literals: literals, seq: r.seq, value: v}
	r.byKey[key] = e
	topic := literals.Topic()
	r.byTopic[topic] = append(r.byTopic[topic], e)
	r.ordered = append(r.ordered, e)

	slog.Debug(fmt.Sprintf("%s - added %s", logPrefix, literals.String()))
	return nil
}

// Lookup returns the best match for p.
func (r *Router[T]) Lookup(p pattern.Pattern) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry[T]
	consider := func(candidates []*entry[T]) {
		for _, e := range candidates {
			if !matches(e.literals, p) {
				continue
			}
			if best == nil ||
				len(e.literals) > len(best.literals) ||
				(len(e.literals) == len(best.literals) && e.seq < best.seq) {
				best = e
			}
		}
	}

	topic := p.Topic()
	consider(r.byTopic[topic])
	if topic != "" {
		// Registrations without a topic can match any inbound topic.
		consider(r.byTopic[""])
	}

	if best == nil {
		var zero T
		return zero, false
	}
	return best.value, true
}

// List returns, in registration order, the values whose pattern contains every
// field of filter with an equal value. A nil or empty filter returns everything.
func (r *Router[T]) List(filter pattern.Pattern) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clean := filter.Clean()
	out := make([]T, 0, len(r.ordered))
	for _, e := range r.ordered {
		if matches(clean, e.literals) {
			out = append(out, e.value)
		}
	}
	return out
}

// Remove deletes the entry registered under exactly the literal pattern p.
func (r *Router[T]) Remove(p pattern.Pattern) (T, bool) {
	literals := p.Clean()
	key := pattern.Key(literals)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		var zero T
		return zero, false
	}
	delete(r.byKey, key)
	topic := e.literals.Topic()
	r.byTopic[topic] = without(r.byTopic[topic], e)
	if len(r.byTopic[topic]) == 0 {
		delete(r.byTopic, topic)
	}
	r.ordered = without(r.ordered, e)

	slog.Debug(fmt.Sprintf("%s - removed %s", logPrefix, e.literals.String()))
	return e.value, true
}

// Len returns the number of registered patterns.
func (r *Router[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// matches reports whether every field of registered is present in inbound with an equal value.
func matches(registered, inbound pattern.Pattern) bool {
	for k, want := range registered {
		got, ok := inbound[k]
		if !ok || !pattern.Equal(want, got) {
			return false
		}
	}
	return true
}

func without[T any](entries []*entry[T], target *entry[T]) []*entry[T] {
	out := entries[:0:0]
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
