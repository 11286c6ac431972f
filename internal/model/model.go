// Package model defines the LLM collaborator interface consumed by the
// agent engine. The engine owns all conversation state; a Client is
// stateless across calls.
package model

import (
	"context"
	"encoding/json"

	"github.com/mkorolev/agentbox/internal/domain"
)

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Completion is the model's proposed next step: final content, tool calls,
// or both. TokensUsed feeds the run's token budget.
type Completion struct {
	Content    string
	ToolCalls  []domain.ToolCall
	TokensUsed int
}

// Client produces the next step for a conversation.
type Client interface {
	Complete(ctx context.Context, messages []domain.Message, tools []ToolSpec) (*Completion, error)
}
