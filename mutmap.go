package peerwire

import (
	"sync"
)

// Mutexmap is a generic map protected by a sync.RWMutex.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// Clear deletes all keys from the map.
func (m *Mutexmap[K, V]) Clear() {
	m.mut.Lock()
	clear(m.m)
	m.mut.Unlock()
}

// GetMapCloneAtomic atomically returns a clone
// of the map, giving a consistent snapshot.
func (m *Mutexmap[K, V]) GetMapCloneAtomic() (mm map[K]V) {
	m.mut.RLock()
	mm = make(map[K]V, len(m.m))
	for k, v := range m.m {
		mm[k] = v
	}
	m.mut.RUnlock()
	return
}

// DelIf deletes key only when pred approves its current value.
func (m *Mutexmap[K, V]) DelIf(key K, pred func(val V) bool) (deleted bool) {
	m.mut.Lock()
	val, ok := m.m[key]
	if ok && pred(val) {
		delete(m.m, key)
		deleted = true
	}
	m.mut.Unlock()
	return
}
