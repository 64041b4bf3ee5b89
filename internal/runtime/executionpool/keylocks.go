package executionpool

import (
	"strings"
	"sync"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// KeyLocks is a set of mutexes created on demand per key and dropped when unused.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyLocks returns an empty lock set.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: map[string]*keyLock{}}
}

// Lock blocks until key is held and returns its unlock func.
func (k *KeyLocks) Lock(key string) func() {
	key = strings.TrimSpace(key)
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Held returns the number of keys currently locked or awaited.
func (k *KeyLocks) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
