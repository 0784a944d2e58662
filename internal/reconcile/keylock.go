package reconcile

import "sync"

type recordKey struct {
	filePath    string
	knowledgeID string
}

// keyLocker hands out one mutex per record key. Entries are dropped once
// no goroutine holds or waits on them.
type keyLocker struct {
	mu    sync.Mutex
	locks map[recordKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[recordKey]*keyLock)}
}

// Lock blocks until the caller owns key and returns the matching unlock.
func (l *keyLocker) Lock(key recordKey) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// size reports how many keys currently have holders or waiters.
func (l *keyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
