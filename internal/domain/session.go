// Package domain contains core domain types for the agentbox server.
package domain

import (
	"time"
)

// Session represents a long-lived conversation identity. It owns an ordered
// sequence of checkpoints and at most one active sandbox.
type Session struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// IdleFor returns how long the session has been inactive.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}
