package kitchen

import "sync"

// lockTable hands out one mutex per key and forgets it once nobody holds
// or waits for it, so the table only grows with concurrent work.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*refLock)}
}

// Lock blocks until key is owned and returns the release func.
func (t *lockTable) Lock(key string) func() {
	t.mu.Lock()
	l := t.locks[key]
	if l == nil {
		l = &refLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
