package utils

import (
	"context"
	"sync"
)

// KeyedMutex is a table of locks created on demand per key. An entry is removed as
// soon as nobody holds or waits for it, so the table only grows with contention.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	token chan struct{} // capacity 1; holding the token means holding the lock
	refs  int
}

// -----------------------------------------------------------------------------

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// -----------------------------------------------------------------------------

// Lock blocks until key is held or ctx is done. On success the returned function
// releases the lock and must be called exactly once.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	e, ok := km.locks[key]
	if !ok {
		e = &keyedEntry{token: make(chan struct{}, 1)}
		km.locks[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.token
				km.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		km.release(key, e)
		return nil, ctx.Err()
	}
}

// -----------------------------------------------------------------------------

func (km *KeyedMutex) release(key string, e *keyedEntry) {
	km.mu.Lock()
	defer km.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(km.locks, key)
	}
}

// -----------------------------------------------------------------------------

// Len is the number of live entries.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
