// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/mkorolev/agentbox/internal/domain"
)

var (
	// ErrSequence is returned when a checkpoint is written out of order.
	// This indicates a concurrency-control bug and aborts the run.
	ErrSequence = errors.New("checkpoint step out of sequence")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Repository defines the interface for persisting sessions, checkpoints, and
// sandbox carry-over state.
type Repository interface {
	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// TouchSession updates last_active_at for a session.
	TouchSession(ctx context.Context, sessionID string) error

	// SaveCheckpoint durably appends a checkpoint and returns its ID.
	// The write is atomic: readers never observe a partial checkpoint.
	// Returns ErrSequence unless state.Step is exactly one past the
	// session's last step (or 0 for the first checkpoint).
	SaveCheckpoint(ctx context.Context, state *domain.AgentState) (string, error)

	// GetCheckpoint loads the full state of a checkpoint by ID.
	// Returns ErrNotFound when absent.
	GetCheckpoint(ctx context.Context, checkpointID string) (*domain.AgentState, error)

	// ListCheckpoints returns summaries for a session, ascending by step.
	ListCheckpoints(ctx context.Context, sessionID string) ([]domain.CheckpointSummary, error)

	// LatestCheckpoint loads the highest-step checkpoint for a session.
	// Returns nil, nil when the session has no checkpoints.
	LatestCheckpoint(ctx context.Context, sessionID string) (*domain.AgentState, error)

	// SavePreviousState records the summary of a reaped sandbox so the next
	// acquire for the session can surface a recreation notice.
	SavePreviousState(ctx context.Context, prev *domain.PreviousState) error

	// TakePreviousState returns and deletes the stored reap summary for a
	// session, so it is surfaced exactly once. Returns nil, nil when absent.
	TakePreviousState(ctx context.Context, sessionID string) (*domain.PreviousState, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
