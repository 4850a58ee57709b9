package sessions

import (
	"context"
	"sync"
)

// sessionLock is a channel-based mutex. Holding the token in ch is
// holding the lock; refs counts waiters plus the holder so the entry can
// be dropped when the last one leaves.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// LockManager serializes work per session. Only one writer may run a
// turn, confirm a tool call, or compact history for a given session at a
// time; locks for idle sessions are garbage collected by refcount.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewLockManager builds an empty manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: map[string]*sessionLock{}}
}

// Acquire blocks until the session lock is held or ctx is done. The
// returned release function must be called exactly once; calling it
// again is a no-op.
func (m *LockManager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(sessionID, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(sessionID, l, true) })
	}, nil
}

func (m *LockManager) release(sessionID string, l *sessionLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, sessionID)
	}
	m.mu.Unlock()
}
