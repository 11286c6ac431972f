package domain

import (
	"time"
)

// SandboxState is the lifecycle state of a session's execution environment.
type SandboxState string

const (
	// SandboxProvisioning means the underlying environment is being created.
	SandboxProvisioning SandboxState = "provisioning"
	// SandboxRunning means the environment is serving an active run.
	SandboxRunning SandboxState = "running"
	// SandboxIdle means the environment exists but no run is using it.
	SandboxIdle SandboxState = "idle"
	// SandboxTerminated means the environment has been destroyed. The next
	// acquire for the session provisions a fresh one.
	SandboxTerminated SandboxState = "terminated"
)

// SandboxSession tracks one provisioned execution environment. At most one
// exists per session; a reaped environment is replaced, never resurrected.
type SandboxSession struct {
	SessionID         string
	EnvironmentID     string
	WorkspacePath     string
	CreatedAt         time.Time
	LastActiveAt      time.Time
	State             SandboxState
	PackagesInstalled map[string]struct{}
	FilesCreated      map[string]struct{}
	CommandCount      int
}

// PreviousState is the summary emitted when a sandbox is reaped. It is held
// until the next acquire for the session, surfaced once as a recreation
// notice, and then discarded.
type PreviousState struct {
	SessionID         string    `json:"session_id"`
	CleanedAt         time.Time `json:"cleaned_at"`
	Reason            string    `json:"reason"`
	PackagesInstalled []string  `json:"packages_installed"`
	FilesCreated      []string  `json:"files_created"`
	CommandCount      int       `json:"command_count"`
}

// Reap reasons recorded on PreviousState.
const (
	ReapIdleTimeout   = "idle_timeout"
	ReapTaskComplete  = "task_complete"
	ReapResourceLimit = "resource_limit"
	ReapShutdown      = "shutdown"
)
