package session

import (
	"strings"
	"sync"
)

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// LockManager serializes operations per session. Two messages on the
// same session id execute in arrival order; the second blocks until the
// first completes. Locks for idle sessions are dropped.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for a session and returns the release func.
func (m *LockManager) Lock(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	m.mu.Lock()
	lock := m.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(m.locks, sessionID)
		}
		m.mu.Unlock()
	}
}
