package cache

import "sync"

// keyLock hands out one mutex per chat id. Entries are dropped when unused,
// so the map stays as small as the set of chats currently being touched.
type keyLock struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[int64]*refMutex)}
}

// Lock blocks until id is held and returns the matching unlock func.
func (k *keyLock) Lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
