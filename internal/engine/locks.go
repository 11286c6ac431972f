package engine

import (
	"errors"
	"sync"
)

// ErrSessionBusy is returned when a run is attempted on a session that
// already has an active run. The attempt is rejected immediately, never
// queued, because queuing could reorder checkpoints.
var ErrSessionBusy = errors.New("session busy: a run is already active")

// SessionLocks is the per-session run lock. The engine holds a session's
// lock from message received until the run reaches Completed,
// AwaitingApproval, or Failed; the sandbox sweeper takes the same lock
// before reaping, so a sweep never races an execution.
type SessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewSessionLocks creates an empty lock registry.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{held: make(map[string]struct{})}
}

// TryAcquire attempts to take the session's lock without blocking.
func (l *SessionLocks) TryAcquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[sessionID]; ok {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}

// Release returns the session's lock. Releasing an unheld lock is a no-op.
func (l *SessionLocks) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
