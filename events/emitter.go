// Package events provides a small typed listener registry.
// Each Emitter carries one event kind; a component exposes
// one Emitter per event tag it publishes.
package events

import (
	"sync"
)

// ListenerID identifies one registration, for Off.
type ListenerID uint64

type listener[E any] struct {
	id   ListenerID
	fn   func(E)
	once bool
}

// Emitter is a goroutine safe set of listeners for events
// of type E. Listeners run on the emitting goroutine, in
// registration order, with no Emitter lock held; so a
// listener may call On/Off/Emit without deadlock.
type Emitter[E any] struct {
	mut       sync.Mutex
	nextID    ListenerID
	listeners []*listener[E]
}

// On registers fn to be called for every event.
func (e *Emitter[E]) On(fn func(E)) ListenerID {
	return e.add(fn, false)
}

// Once registers fn to be called for the next event only.
func (e *Emitter[E]) Once(fn func(E)) ListenerID {
	return e.add(fn, true)
}

func (e *Emitter[E]) add(fn func(E), once bool) ListenerID {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.nextID++
	e.listeners = append(e.listeners, &listener[E]{id: e.nextID, fn: fn, once: once})
	return e.nextID
}

// Off removes a listener. Returns false if id was not registered.
func (e *Emitter[E]) Off(id ListenerID) bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll drops every listener.
func (e *Emitter[E]) RemoveAll() {
	e.mut.Lock()
	e.listeners = nil
	e.mut.Unlock()
}

// Count returns the number of registered listeners.
func (e *Emitter[E]) Count() int {
	e.mut.Lock()
	defer e.mut.Unlock()
	return len(e.listeners)
}

// Emit delivers ev to every listener. Once-listeners are
// removed before they run, so each sees at most one event.
func (e *Emitter[E]) Emit(ev E) {
	e.mut.Lock()
	if len(e.listeners) == 0 {
		e.mut.Unlock()
		return
	}
	snap := make([]*listener[E], len(e.listeners))
	copy(snap, e.listeners)
	keep := e.listeners[:0]
	for _, l := range e.listeners {
		if !l.once {
			keep = append(keep, l)
		}
	}
	// zero the tail so dropped listeners can be collected.
	for i := len(keep); i < len(e.listeners); i++ {
		e.listeners[i] = nil
	}
	e.listeners = keep
	e.mut.Unlock()

	for _, l := range snap {
		l.fn(ev)
	}
}
