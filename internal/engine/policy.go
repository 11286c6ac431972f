package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mkorolev/agentbox/internal/domain"
)

// ApprovalPolicy decides whether a proposed tool call must pause for human
// approval. Implementations must be pure and side-effect-free.
type ApprovalPolicy interface {
	// RequiresApproval returns whether the call needs approval and, when it
	// does, a human-readable reason.
	RequiresApproval(call domain.ToolCall) (bool, string)
}

// RulePolicy is a configuration-driven ApprovalPolicy: tool names listed as
// sensitive always require approval, and command-carrying calls are matched
// against sensitive substring patterns.
type RulePolicy struct {
	sensitiveTools    map[string]struct{}
	sensitivePatterns []string
}

// DefaultSensitiveTools are the tool names gated by default.
var DefaultSensitiveTools = []string{"delete_file", "write_file"}

// DefaultSensitivePatterns are command substrings gated by default:
// destructive filesystem operations and network egress.
var DefaultSensitivePatterns = []string{
	"rm -rf",
	"rm -r",
	"sudo ",
	"mkfs",
	"curl ",
	"wget ",
	"> /etc/",
	"dd if=",
}

// NewRulePolicy creates a policy from the given rule lists. Empty slices
// mean nothing is gated by that rule class.
func NewRulePolicy(tools, patterns []string) *RulePolicy {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return &RulePolicy{
		sensitiveTools:    set,
		sensitivePatterns: patterns,
	}
}

// RequiresApproval implements ApprovalPolicy.
func (p *RulePolicy) RequiresApproval(call domain.ToolCall) (bool, string) {
	if _, ok := p.sensitiveTools[call.Name]; ok {
		return true, fmt.Sprintf("tool %q is configured as sensitive", call.Name)
	}

	command := commandArgument(call.Arguments)
	if command == "" {
		return false, ""
	}
	for _, pattern := range p.sensitivePatterns {
		if strings.Contains(command, pattern) {
			return true, fmt.Sprintf("command matches sensitive pattern %q", pattern)
		}
	}
	return false, ""
}

// commandArgument extracts the "command" field from a call's arguments, if
// present. Non-command tools return "".
func commandArgument(args json.RawMessage) string {
	var parsed struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	return parsed.Command
}
