package orders

import "sync"

// keyedMutex serializes operations per order id while letting different
// orders proceed fully in parallel. Entries are reference counted so the
// map does not grow with the order table.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: map[uint]*lockEntry{},
	}
}

func (km *keyedMutex) Lock(id uint) {
	km.mu.Lock()
	entry, ok := km.locks[id]
	if !ok {
		entry = &lockEntry{}
		km.locks[id] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
}

func (km *keyedMutex) Unlock(id uint) {
	km.mu.Lock()
	entry, ok := km.locks[id]
	if !ok {
		km.mu.Unlock()
		panic("unlock of unknown order lock")
	}
	entry.refs--
	if entry.refs == 0 {
		delete(km.locks, id)
	}
	km.mu.Unlock()

	entry.mu.Unlock()
}
