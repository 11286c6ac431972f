package engine

import (
	"github.com/mkorolev/agentbox/internal/domain"
)

// EventType categorizes step events emitted during a run.
type EventType string

const (
	// EventThinking carries assistant text produced alongside tool calls.
	EventThinking EventType = "thinking"
	// EventToolCall announces a checkpointed tool-call proposal.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the output of an executed tool call.
	EventToolResult EventType = "tool_result"
	// EventInterrupt announces suspension pending human approval.
	EventInterrupt EventType = "interrupt"
	// EventDone is the terminal event of a completed run.
	EventDone EventType = "done"
	// EventError is the terminal event of a failed or aborted run.
	EventError EventType = "error"
)

// StepEvent is emitted once per checkpoint transition, plus one terminal
// event per run.
type StepEvent struct {
	Type         EventType        `json:"type"`
	SessionID    string           `json:"session_id"`
	Step         int              `json:"step,omitempty"`
	CheckpointID string           `json:"checkpoint_id,omitempty"`
	Content      string           `json:"content,omitempty"`
	ToolCall     *domain.ToolCall `json:"tool_call,omitempty"`
	ToolError    bool             `json:"tool_error,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Status       domain.RunStatus `json:"status,omitempty"`

	// Recreated carries the one-shot notice when the session's sandbox was
	// reaped and rebuilt between tool calls.
	Recreated *domain.PreviousState `json:"recreated,omitempty"`
}
