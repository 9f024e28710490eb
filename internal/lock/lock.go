// Package lock provides the per-session execution locks that keep at
// most one round in flight per session. Locks are keyed by session ID
// so sessions never contend with each other.
package lock

import (
	"context"
	"sync"
)

// Locker hands out per-session locks. TryAcquire never blocks waiting
// for a holder: ok reports whether the lock was taken, and the
// returned release is idempotent.
type Locker interface {
	TryAcquire(ctx context.Context, sessionID string) (release func(), ok bool, err error)
}

// Local is an in-process Locker for single-replica deployments.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryAcquire takes the session's lock if free.
func (l *Local) TryAcquire(_ context.Context, sessionID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.held[sessionID]; exists {
		return nil, false, nil
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}

// Held reports whether the session's lock is currently taken.
func (l *Local) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.held[sessionID]
	return exists
}
