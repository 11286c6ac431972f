package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/store"
)

const (
	provisionRetryAttempts = 3
	provisionRetryDelay    = 500 * time.Millisecond

	defaultWorkspacePath = "/workspace"
)

// Handle is an opaque reference to an acquired environment. Handles become
// invalid once the session's sandbox is reaped.
type Handle struct {
	SessionID     string
	EnvironmentID string
	WorkspacePath string
}

// Registry owns all SandboxSession state. Every access goes through its
// locked API; no other component holds a reference to the entries.
type Registry struct {
	runtime       Runtime
	repo          store.Repository
	workspacePath string

	mu       sync.Mutex
	sessions map[string]*domain.SandboxSession
}

// NewRegistry creates a registry over the given runtime and repository.
func NewRegistry(runtime Runtime, repo store.Repository) *Registry {
	return &Registry{
		runtime:       runtime,
		repo:          repo,
		workspacePath: defaultWorkspacePath,
		sessions:      make(map[string]*domain.SandboxSession),
	}
}

// Acquire returns a handle to the session's environment, provisioning a
// fresh one when none is live. When the environment was reaped since the
// session last executed anything, the returned PreviousState describes what
// was lost; it is surfaced exactly once.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Handle, *domain.PreviousState, error) {
	r.mu.Lock()
	if sb, ok := r.sessions[sessionID]; ok {
		switch sb.State {
		case domain.SandboxRunning, domain.SandboxIdle:
			sb.State = domain.SandboxRunning
			sb.LastActiveAt = time.Now()
			handle := &Handle{
				SessionID:     sessionID,
				EnvironmentID: sb.EnvironmentID,
				WorkspacePath: sb.WorkspacePath,
			}
			r.mu.Unlock()
			return handle, nil, nil
		case domain.SandboxProvisioning:
			r.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: provisioning in progress for session %s", ErrUnavailable, sessionID)
		}
	}

	// Absent or terminated: provision a fresh environment. Reserve the slot
	// before releasing the lock so a concurrent acquire cannot double-provision.
	sb := &domain.SandboxSession{
		SessionID:         sessionID,
		WorkspacePath:     r.workspacePath,
		CreatedAt:         time.Now(),
		LastActiveAt:      time.Now(),
		State:             domain.SandboxProvisioning,
		PackagesInstalled: make(map[string]struct{}),
		FilesCreated:      make(map[string]struct{}),
	}
	r.sessions[sessionID] = sb
	r.mu.Unlock()

	envID, err := r.provisionWithRetry(ctx, sessionID)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, nil, err
	}

	r.mu.Lock()
	sb.EnvironmentID = envID
	sb.State = domain.SandboxRunning
	r.mu.Unlock()

	// Surface a pending reap summary, if any, exactly once.
	prev, err := r.repo.TakePreviousState(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load previous sandbox state", "error", err, "session_id", sessionID)
		prev = nil
	}

	return &Handle{
		SessionID:     sessionID,
		EnvironmentID: envID,
		WorkspacePath: r.workspacePath,
	}, prev, nil
}

func (r *Registry) provisionWithRetry(ctx context.Context, sessionID string) (string, error) {
	var lastErr error
	for i := 0; i < provisionRetryAttempts; i++ {
		envID, err := r.runtime.Provision(ctx, sessionID, r.workspacePath)
		if err == nil {
			return envID, nil
		}
		lastErr = err
		slog.Warn("Environment provisioning failed",
			"session_id", sessionID,
			"attempt", i+1,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(provisionRetryDelay):
		}
	}
	return "", fmt.Errorf("%w: provisioning failed after %d attempts: %v",
		ErrUnavailable, provisionRetryAttempts, lastErr)
}

// Execute runs a command in the handle's environment, bounded by timeout.
// Successful calls update the advisory bookkeeping; a timeout aborts the
// command only, never the environment.
func (r *Registry) Execute(ctx context.Context, handle *Handle, command string, timeout time.Duration) (*ExecResult, error) {
	r.mu.Lock()
	sb, ok := r.sessions[handle.SessionID]
	if !ok || sb.State == domain.SandboxTerminated || sb.EnvironmentID != handle.EnvironmentID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrNoSandbox, handle.SessionID)
	}
	envID := sb.EnvironmentID
	workdir := sb.WorkspacePath
	r.mu.Unlock()

	result, err := r.runtime.Exec(ctx, envID, workdir, command, timeout)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if sb, ok := r.sessions[handle.SessionID]; ok {
		sb.CommandCount++
		sb.LastActiveAt = time.Now()
		info := Classify(command)
		for _, pkg := range info.Packages {
			sb.PackagesInstalled[pkg] = struct{}{}
		}
		for _, file := range info.Files {
			sb.FilesCreated[file] = struct{}{}
		}
	}
	r.mu.Unlock()

	return result, nil
}

// MarkIdle transitions a session's sandbox from running to idle. Called when
// a run finishes without terminating the environment, since the user may
// send another message soon.
func (r *Registry) MarkIdle(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.sessions[sessionID]
	if !ok || sb.State != domain.SandboxRunning {
		return
	}
	sb.State = domain.SandboxIdle
	sb.LastActiveAt = time.Now()
	slog.Debug("Sandbox marked idle", "session_id", sessionID, "environment_id", sb.EnvironmentID)
}

// Reap destroys the session's environment and records a PreviousState
// summary for the next acquire.
func (r *Registry) Reap(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	sb, ok := r.sessions[sessionID]
	if !ok || sb.State == domain.SandboxTerminated {
		r.mu.Unlock()
		return nil
	}
	sb.State = domain.SandboxTerminated
	envID := sb.EnvironmentID
	prev := &domain.PreviousState{
		SessionID:         sessionID,
		CleanedAt:         time.Now(),
		Reason:            reason,
		PackagesInstalled: sortedKeys(sb.PackagesInstalled),
		FilesCreated:      sortedKeys(sb.FilesCreated),
		CommandCount:      sb.CommandCount,
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	slog.Info("Reaping sandbox",
		"session_id", sessionID,
		"environment_id", envID,
		"reason", reason,
		"command_count", prev.CommandCount,
	)

	if envID != "" {
		if err := r.runtime.Destroy(ctx, envID); err != nil {
			slog.Error("Failed to destroy environment during reap",
				"error", err,
				"session_id", sessionID,
				"environment_id", envID,
			)
		}
	}

	if err := r.repo.SavePreviousState(ctx, prev); err != nil {
		return fmt.Errorf("persist previous state for %s: %w", sessionID, err)
	}
	return nil
}

// ReapAll destroys every live environment. Used at process shutdown.
func (r *Registry) ReapAll(ctx context.Context, reason string) {
	r.mu.Lock()
	sessionIDs := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	r.mu.Unlock()

	for _, id := range sessionIDs {
		if err := r.Reap(ctx, id, reason); err != nil {
			slog.Warn("Failed to reap sandbox during shutdown", "error", err, "session_id", id)
		}
	}
}

// IdleSessions returns sessions whose sandbox has been idle longer than the
// given threshold.
func (r *Registry) IdleSessions(idleFor time.Duration) []string {
	cutoff := time.Now().Add(-idleFor)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, sb := range r.sessions {
		if sb.State == domain.SandboxIdle && sb.LastActiveAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Environments returns a snapshot of environmentID -> sessionID for all
// registered sandboxes. The orphan sweep compares this against the runtime's
// view to find environments with no owner.
func (r *Registry) Environments() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	envs := make(map[string]string, len(r.sessions))
	for id, sb := range r.sessions {
		if sb.EnvironmentID != "" {
			envs[sb.EnvironmentID] = id
		}
	}
	return envs
}

// Stats returns counts for the health endpoint.
func (r *Registry) Stats() (active, idle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sb := range r.sessions {
		switch sb.State {
		case domain.SandboxRunning, domain.SandboxProvisioning:
			active++
		case domain.SandboxIdle:
			idle++
		}
	}
	return active, idle
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
