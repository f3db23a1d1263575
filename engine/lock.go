package engine

import "context"

// mu is a channel-backed mutual exclusion lock: a buffered channel of
// capacity 1 holding a single token. Unlike sync.Mutex it composes with
// select, which lets callers race an acquire against a context
// deadline or a timer without spawning a helper goroutine. Recursive
// entry is forbidden, same as an OS critical section.
type mu chan struct{}

func newMu() mu {
	m := make(mu, 1)
	m <- struct{}{}
	return m
}

// TryLock attempts to acquire the lock without blocking.
func (m mu) TryLock() bool {
	select {
	case <-m:
		return true
	default:
		return false
	}
}

// Lock blocks until the lock is acquired or ctx is done.
func (m mu) Lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock. It panics if the lock is not held, the same
// contract as sync.Mutex.
func (m mu) Unlock() {
	select {
	case m <- struct{}{}:
	default:
		panic("engine: unlock of unlocked mu")
	}
}
