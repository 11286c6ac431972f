package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkorolev/agentbox/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Serializes checkpoint appends so the step validation and the insert
	// are not interleaved across goroutines sharing one process.
	checkpointMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		status TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, step)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step);

	CREATE TABLE IF NOT EXISTS sandbox_previous (
		session_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		cleaned_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT session_id, created_at, last_active_at FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var createdAt, lastActiveAt int64
	err := row.Scan(&session.SessionID, &createdAt, &lastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActiveAt = time.Unix(lastActiveAt, 0)
	return &session, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, created_at, last_active_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		last_active_at = excluded.last_active_at`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TouchSession updates last_active_at for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET last_active_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// SaveCheckpoint durably appends a checkpoint and returns its ID.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, state *domain.AgentState) (string, error) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("checkpoint tx rollback failed", "error", rbErr)
		}
	}()

	var lastStep sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM checkpoints WHERE session_id = ?`, state.SessionID)
	if err := row.Scan(&lastStep); err != nil {
		return "", fmt.Errorf("query last step: %w", err)
	}

	expected := 0
	if lastStep.Valid {
		expected = int(lastStep.Int64) + 1
	}
	if state.Step != expected {
		return "", fmt.Errorf("%w: session %s has last step %v, attempted step %d",
			ErrSequence, state.SessionID, lastStep.Int64, state.Step)
	}

	checkpointID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, session_id, step, status, message_count, total_tokens, state_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		checkpointID, state.SessionID, state.Step, string(state.Status),
		len(state.Messages), state.TotalTokens, string(stateJSON), time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	return checkpointID, nil
}

// GetCheckpoint loads the full state of a checkpoint by ID.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, checkpointID string) (*domain.AgentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)

	var stateJSON string
	err := row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint row: %w", err)
	}

	var state domain.AgentState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return &state, nil
}

// ListCheckpoints returns summaries for a session, ascending by step.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]domain.CheckpointSummary, error) {
	query := `
		SELECT checkpoint_id, session_id, step, status, message_count, total_tokens, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY step ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close checkpoint rows", "error", closeErr)
		}
	}()

	var summaries []domain.CheckpointSummary
	for rows.Next() {
		var cs domain.CheckpointSummary
		var status string
		var createdAt int64
		if err := rows.Scan(
			&cs.CheckpointID, &cs.SessionID, &cs.Step, &status,
			&cs.MessageCount, &cs.TotalTokens, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan checkpoint summary: %w", err)
		}
		cs.Status = domain.RunStatus(status)
		cs.CreatedAt = time.Unix(createdAt, 0)
		summaries = append(summaries, cs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return summaries, nil
}

// LatestCheckpoint loads the highest-step checkpoint for a session.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, sessionID string) (*domain.AgentState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE session_id = ? ORDER BY step DESC LIMIT 1`,
		sessionID)

	var stateJSON string
	err := row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest checkpoint: %w", err)
	}

	var state domain.AgentState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal latest checkpoint: %w", err)
	}
	return &state, nil
}

// SavePreviousState records the summary of a reaped sandbox.
func (s *SQLiteStore) SavePreviousState(ctx context.Context, prev *domain.PreviousState) error {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("marshal previous state: %w", err)
	}

	query := `
	INSERT INTO sandbox_previous (session_id, state_json, cleaned_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state_json = excluded.state_json,
		cleaned_at = excluded.cleaned_at`

	_, err = s.db.ExecContext(ctx, query, prev.SessionID, string(prevJSON), prev.CleanedAt.Unix())
	if err != nil {
		return fmt.Errorf("save previous state: %w", err)
	}
	return nil
}

// TakePreviousState returns and deletes the stored reap summary for a session.
func (s *SQLiteStore) TakePreviousState(ctx context.Context, sessionID string) (*domain.PreviousState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("previous state tx rollback failed", "error", rbErr)
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT state_json FROM sandbox_previous WHERE session_id = ?`, sessionID)

	var stateJSON string
	err = row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan previous state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sandbox_previous WHERE session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("delete previous state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take previous state: %w", err)
	}

	var prev domain.PreviousState
	if err := json.Unmarshal([]byte(stateJSON), &prev); err != nil {
		return nil, fmt.Errorf("unmarshal previous state: %w", err)
	}
	return &prev, nil
}
