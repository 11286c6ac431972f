// Package sandbox manages isolated per-session execution environments.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when provisioning fails after retries.
	// Surfaced to the agent loop as a tool-result failure; the run continues.
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrCommandTimeout is returned when a single command exceeds its
	// timeout. The environment itself is not torn down.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNoSandbox is returned by Execute when the handle no longer refers
	// to a live environment.
	ErrNoSandbox = errors.New("no active sandbox for session")
)

// ExecResult captures the output of a command executed in an environment.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runtime is the container-runtime collaborator: the primitive the registry
// uses to provision, execute in, and destroy isolated environments.
type Runtime interface {
	// Provision creates and starts an environment for a session and returns
	// its runtime-assigned ID. The environment's default environment
	// variables force a consistent text encoding.
	Provision(ctx context.Context, sessionID, workspacePath string) (string, error)

	// Exec runs a shell command in the environment's workspace, bounded by
	// timeout. A timeout aborts the command, not the environment.
	Exec(ctx context.Context, environmentID, workdir, command string, timeout time.Duration) (*ExecResult, error)

	// Destroy stops and removes an environment. Idempotent.
	Destroy(ctx context.Context, environmentID string) error

	// ListEnvironments returns environmentID -> sessionID for all
	// environments this runtime manages, including stopped ones. Used by
	// the orphan sweep.
	ListEnvironments(ctx context.Context) (map[string]string, error)
}
