package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/shared"
)

// SessionLocker is the per-session run lock shared with the agent engine.
// The sweeper acquires it before reaping so a sweep can never tear down a
// sandbox mid-execution.
type SessionLocker interface {
	// TryAcquire attempts to take the session's run lock without blocking.
	TryAcquire(sessionID string) bool
	// Release returns the session's run lock.
	Release(sessionID string)
}

// Sweeper periodically reaps idle sandboxes and destroys orphaned
// environments left behind by a previous process.
type Sweeper struct {
	registry *Registry
	runtime  Runtime
	locks    SessionLocker
	interval time.Duration
	idleTTL  time.Duration
}

// NewSweeper creates a sweeper over the given registry and runtime.
func NewSweeper(registry *Registry, runtime Runtime, locks SessionLocker, interval, idleTTL time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		runtime:  runtime,
		locks:    locks,
		interval: interval,
		idleTTL:  idleTTL,
	}
}

// Start runs the background sweep goroutine until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox sweeper started", "interval", s.interval, "idle_ttl", s.idleTTL)

		for {
			select {
			case <-ticker.C:
				s.SweepIdle(ctx)
				s.SweepOrphans(ctx)
			case <-ctx.Done():
				slog.Info("Sandbox sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdle reaps sandboxes that have been idle past the TTL. Sessions whose
// run lock is held are skipped and picked up on a later sweep.
func (s *Sweeper) SweepIdle(ctx context.Context) {
	expired := s.registry.IdleSessions(s.idleTTL)
	if len(expired) == 0 {
		return
	}

	slog.Info("Sweeper found idle sandboxes", "count", len(expired))

	for _, sessionID := range expired {
		if !s.locks.TryAcquire(sessionID) {
			slog.Debug("Sweeper skipping locked session", "session_id", sessionID)
			continue
		}

		// Persisting the reap summary can race a checkpoint write on the
		// same database; retry through transient lock errors.
		err := shared.RetrySQLite(ctx, 3, 100*time.Millisecond, func() error {
			return s.registry.Reap(ctx, sessionID, domain.ReapIdleTimeout)
		})
		if err != nil {
			slog.Error("Sweeper failed to reap idle sandbox",
				"error", err,
				"session_id", sessionID)
		}

		s.locks.Release(sessionID)
	}
}

// SweepOrphans destroys runtime environments that no registry entry owns,
// e.g. containers that survived a process crash. A freshly created container
// is invisible to the registry until Acquire finishes provisioning, so the
// sweep takes the session's run lock before destroying anything: while a run
// (and any provision inside it) is in flight the lock is held and the
// environment is left alone until a later sweep can see its registration.
func (s *Sweeper) SweepOrphans(ctx context.Context) {
	runtimeEnvs, err := s.runtime.ListEnvironments(ctx)
	if err != nil {
		slog.Error("Sweeper failed to list environments", "error", err)
		return
	}

	known := s.registry.Environments()

	for envID, sessionID := range runtimeEnvs {
		if _, ok := known[envID]; ok {
			continue
		}
		if !s.locks.TryAcquire(sessionID) {
			slog.Debug("Sweeper skipping environment for locked session",
				"environment_id", envID,
				"session_id", sessionID)
			continue
		}
		// Recheck under the lock: the environment may have been registered
		// between the snapshot above and the lock acquisition.
		if _, ok := s.registry.Environments()[envID]; ok {
			s.locks.Release(sessionID)
			continue
		}
		slog.Info("Sweeper destroying orphaned environment",
			"environment_id", envID,
			"session_id", sessionID)
		if err := s.runtime.Destroy(ctx, envID); err != nil {
			slog.Error("Sweeper failed to destroy orphaned environment",
				"error", err,
				"environment_id", envID)
		}
		s.locks.Release(sessionID)
	}
}
