package ledger

import (
	"sync"
	"time"
)

// keyedLocks is an in-process exclusive lock per account business key.
// Reconciliation for one account is serialized through it; different
// accounts proceed in parallel.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]chan struct{})}
}

// acquire blocks until the key's lock is free or the timeout expires.
// It returns a release func on success and ErrLockTimeout otherwise.
func (l *keyedLocks) acquire(key string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)

	for {
		l.mu.Lock()
		ch, held := l.held[key]
		if !held {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { l.release(key) }) }, nil
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			// Holder released; race for the lock again.
		case <-timer.C:
			return nil, ErrLockTimeout
		}
	}
}

func (l *keyedLocks) release(key string) {
	l.mu.Lock()
	ch := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}
