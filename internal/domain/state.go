package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the agent loop state recorded in a checkpoint.
type RunStatus string

const (
	// StatusRunning indicates the loop is (or may be) mid-run.
	StatusRunning RunStatus = "running"
	// StatusAwaitingApproval indicates the loop is suspended on a pending action.
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	// StatusCompleted is the successful terminal state.
	StatusCompleted RunStatus = "completed"
	// StatusFailed is the unsuccessful terminal state. FailReason is always set.
	StatusFailed RunStatus = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is a single role-tagged entry in the conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is a tool invocation proposed by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// PendingAction is a proposed tool invocation held for human approval.
type PendingAction struct {
	Call   ToolCall `json:"call"`
	Reason string   `json:"reason"`
}

// AgentState is the checkpoint payload: everything needed to resume a run.
// States are immutable once written; every transition produces a new state
// with Step incremented by one.
type AgentState struct {
	SessionID     string         `json:"session_id"`
	Step          int            `json:"step"`
	Messages      []Message      `json:"messages"`
	Iteration     int            `json:"iteration"`
	TotalTokens   int            `json:"total_tokens"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
	Status        RunStatus      `json:"status"`
	FailReason    string         `json:"fail_reason,omitempty"`
	Completed     bool           `json:"completed"`
}

// NewAgentState returns the step-0 state for a fresh session history.
func NewAgentState(sessionID string) *AgentState {
	return &AgentState{
		SessionID: sessionID,
		Step:      0,
		Status:    StatusRunning,
	}
}

// Clone returns a deep copy of the state. The engine advances a run by
// cloning the last checkpointed state, mutating the clone, and saving it.
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	for i, msg := range c.Messages {
		if len(msg.ToolCalls) == 0 {
			continue
		}
		calls := make([]ToolCall, len(msg.ToolCalls))
		copy(calls, msg.ToolCalls)
		for j := range calls {
			calls[j].Arguments = append(json.RawMessage(nil), calls[j].Arguments...)
		}
		c.Messages[i].ToolCalls = calls
	}
	if s.PendingAction != nil {
		pa := *s.PendingAction
		pa.Call.Arguments = append(json.RawMessage(nil), s.PendingAction.Call.Arguments...)
		c.PendingAction = &pa
	}
	return &c
}

// Terminal reports whether the state is a terminal checkpoint.
func (s *AgentState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// CheckpointSummary is a lightweight row for checkpoint listings.
type CheckpointSummary struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Step         int       `json:"step"`
	Status       RunStatus `json:"status"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}
