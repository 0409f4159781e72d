// Package keylock provides a mutex per string key.
//
// Entries are reference counted and removed once the last holder unlocks,
// so the map only ever contains keys that are currently locked or waited on.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map struct {
	lock    sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free and returns the matching unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.lock.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.lock.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.lock.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.lock.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}
