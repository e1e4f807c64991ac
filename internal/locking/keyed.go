// Package locking provides a keyed mutex for serializing mutations on a
// logical resource (a node id, a server id) without one global lock.
package locking

import "sync"

// Keyed hands out one mutex per key. Mutexes are retained for the life of
// the process; the key space is bounded by the fleet size.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new keyed mutex set.
func New() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns the matching unlock.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
