package activitypub

import (
	"context"
	"sync"
)

// LockMap hands out one exclusive lock per key. Entries are reference
// counted and removed when the last holder or waiter is gone.
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLockMap() *LockMap {
	return &LockMap{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release func must be called exactly once; extra calls are no-ops.
func (m *LockMap) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, found := m.locks[key]
	if !found {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.unref(key, l)
		})
	}, nil
}

func (m *LockMap) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *LockMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
