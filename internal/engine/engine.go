// Package engine implements the checkpointed agent loop and the approval
// interrupt protocol.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/model"
	"github.com/mkorolev/agentbox/internal/sandbox"
	"github.com/mkorolev/agentbox/internal/store"
)

var (
	// ErrStaleInterrupt is returned when a resume targets a checkpoint that
	// is no longer the session's latest pending state. The caller must
	// re-fetch the latest state.
	ErrStaleInterrupt = errors.New("stale interrupt: no matching pending action")

	// ErrAwaitingApproval is returned when a new run is attempted on a
	// session suspended on a pending action; the caller must resume first.
	ErrAwaitingApproval = errors.New("session awaiting approval: resume required")
)

// ResumeDecision is the caller's verdict on a pending action.
type ResumeDecision string

const (
	// DecisionApprove executes the pending action as proposed.
	DecisionApprove ResumeDecision = "approve"
	// DecisionReject refuses the pending action; the model sees a synthetic
	// rejection result and can plan around it.
	DecisionReject ResumeDecision = "reject"
	// DecisionModify replaces the pending action's arguments, then proceeds
	// as approve.
	DecisionModify ResumeDecision = "modify"
)

// Max output embedded in a tool-result message.
const maxToolOutputBytes = 16 * 1024

// Config holds engine limits.
type Config struct {
	// MaxIterations caps model calls per run.
	MaxIterations int
	// MaxTokens caps cumulative tokens per run.
	MaxTokens int
	// ExecTimeout bounds each sandbox command.
	ExecTimeout time.Duration
}

// DefaultConfig returns the default engine limits.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		MaxTokens:     200_000,
		ExecTimeout:   60 * time.Second,
	}
}

// Engine drives agent runs: it asks the model for steps, gates sensitive
// actions through the approval policy, dispatches tool calls to the sandbox
// registry, and checkpoints after every transition.
type Engine struct {
	repo     store.Repository
	registry *sandbox.Registry
	client   model.Client
	policy   ApprovalPolicy
	locks    *SessionLocks
	toolset  *Toolset
	cfg      Config
}

// New creates an engine. locks is shared with the sandbox sweeper so reaps
// and runs for the same session are mutually exclusive.
func New(repo store.Repository, registry *sandbox.Registry, client model.Client, policy ApprovalPolicy, locks *SessionLocks, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	return &Engine{
		repo:     repo,
		registry: registry,
		client:   client,
		policy:   policy,
		locks:    locks,
		toolset:  NewToolset(),
		cfg:      cfg,
	}
}

// Run starts a run for a user message and returns its step-event stream.
// The channel is closed when the run reaches a terminal state or suspends
// for approval. A second concurrent run on the same session fails fast with
// ErrSessionBusy.
func (e *Engine) Run(ctx context.Context, sessionID, userMessage string) (<-chan StepEvent, error) {
	if !e.locks.TryAcquire(sessionID) {
		return nil, fmt.Errorf("%w: session %s", ErrSessionBusy, sessionID)
	}

	st, err := e.prepareRunState(ctx, sessionID)
	if err != nil {
		e.locks.Release(sessionID)
		return nil, err
	}

	st.Messages = append(st.Messages, domain.Message{
		Role:    domain.RoleUser,
		Content: userMessage,
	})

	events := make(chan StepEvent, 32)
	go func() {
		defer close(events)
		defer e.locks.Release(sessionID)
		e.loop(ctx, st, "", events)
	}()
	return events, nil
}

// Resume continues a session suspended in AwaitingApproval. It re-validates
// that the pending action is still the latest checkpoint's pending action,
// then applies the decision per the interrupt protocol.
func (e *Engine) Resume(ctx context.Context, sessionID string, decision ResumeDecision, modifiedArgs json.RawMessage) (<-chan StepEvent, error) {
	if !e.locks.TryAcquire(sessionID) {
		return nil, fmt.Errorf("%w: session %s", ErrSessionBusy, sessionID)
	}

	latest, err := e.repo.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		e.locks.Release(sessionID)
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if latest == nil || latest.Status != domain.StatusAwaitingApproval || latest.PendingAction == nil {
		e.locks.Release(sessionID)
		return nil, fmt.Errorf("%w: session %s", ErrStaleInterrupt, sessionID)
	}

	st := latest.Clone()
	st.Step = latest.Step + 1
	st.Status = domain.StatusRunning
	pending := *st.PendingAction
	st.PendingAction = nil

	var approvedCallID string
	var rejected bool
	switch decision {
	case DecisionApprove:
		approvedCallID = pending.Call.ID
	case DecisionModify:
		if len(modifiedArgs) == 0 {
			e.locks.Release(sessionID)
			return nil, fmt.Errorf("modify requires replacement arguments")
		}
		pending.Call.Arguments = modifiedArgs
		st.Messages = replaceCallArguments(st.Messages, pending.Call.ID, modifiedArgs)
		approvedCallID = pending.Call.ID
	case DecisionReject:
		rejected = true
	default:
		e.locks.Release(sessionID)
		return nil, fmt.Errorf("unknown resume decision %q", decision)
	}

	events := make(chan StepEvent, 32)
	go func() {
		defer close(events)
		defer e.locks.Release(sessionID)

		if rejected {
			st.Messages = append(st.Messages, domain.Message{
				Role:       domain.RoleTool,
				ToolCallID: pending.Call.ID,
				ToolName:   pending.Call.Name,
				Content:    "Action rejected by the user.",
				IsError:    true,
			})
			id, step, err := e.checkpoint(ctx, st)
			if err != nil {
				e.emit(ctx, events, StepEvent{
					Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
				})
				return
			}
			e.emit(ctx, events, StepEvent{
				Type:         EventToolResult,
				SessionID:    st.SessionID,
				Step:         step,
				CheckpointID: id,
				ToolCall:     &pending.Call,
				Content:      "Action rejected by the user.",
				ToolError:    true,
				Status:       domain.StatusRunning,
			})
		}

		e.loop(ctx, st, approvedCallID, events)
	}()
	return events, nil
}

// ReleaseSandbox reaps the session's sandbox ahead of the idle TTL, for
// clients that know the task is finished and want the environment gone now.
// The reap summary is recorded and surfaced if the session comes back. Fails
// fast with ErrSessionBusy while a run holds the session.
func (e *Engine) ReleaseSandbox(ctx context.Context, sessionID string) error {
	if !e.locks.TryAcquire(sessionID) {
		return fmt.Errorf("%w: session %s", ErrSessionBusy, sessionID)
	}
	defer e.locks.Release(sessionID)

	return e.registry.Reap(ctx, sessionID, domain.ReapTaskComplete)
}

// prepareRunState loads or initializes the working state for a new run.
func (e *Engine) prepareRunState(ctx context.Context, sessionID string) (*domain.AgentState, error) {
	latest, err := e.repo.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if latest != nil && latest.Status == domain.StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: session %s", ErrAwaitingApproval, sessionID)
	}

	now := time.Now()
	sess, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		if err := e.repo.UpsertSession(ctx, &domain.Session{
			SessionID:    sessionID,
			CreatedAt:    now,
			LastActiveAt: now,
		}); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err := e.repo.TouchSession(ctx, sessionID); err != nil {
		slog.Warn("Failed to touch session", "error", err, "session_id", sessionID)
	}

	if latest == nil {
		return domain.NewAgentState(sessionID), nil
	}

	// The step sequence continues across runs; iteration and token budgets
	// are per run.
	st := latest.Clone()
	st.Step = latest.Step + 1
	st.Status = domain.StatusRunning
	st.Completed = false
	st.FailReason = ""
	st.Iteration = 0
	st.TotalTokens = 0
	return st, nil
}

// loop is the per-iteration algorithm. It returns after writing a terminal
// checkpoint, after suspending on a pending action, or on an aborted step
// (which writes no checkpoint, leaving the last durable checkpoint as the
// resume point).
func (e *Engine) loop(ctx context.Context, st *domain.AgentState, approvedCallID string, events chan<- StepEvent) {
	for {
		// Execute outstanding tool calls from the last assistant message,
		// gating each through the approval policy. Resuming mid-batch lands
		// here with the already-executed calls filtered out.
		for {
			calls := outstandingCalls(st.Messages)
			if len(calls) == 0 {
				break
			}
			call := calls[0]

			if call.ID != approvedCallID {
				if need, reason := e.policy.RequiresApproval(call); need {
					st.PendingAction = &domain.PendingAction{Call: call, Reason: reason}
					st.Status = domain.StatusAwaitingApproval
					id, step, err := e.checkpoint(ctx, st)
					if err != nil {
						e.emit(ctx, events, StepEvent{
							Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
						})
						return
					}
					e.registry.MarkIdle(st.SessionID)
					e.emit(ctx, events, StepEvent{
						Type:         EventInterrupt,
						SessionID:    st.SessionID,
						Step:         step,
						CheckpointID: id,
						ToolCall:     &call,
						Reason:       reason,
						Status:       domain.StatusAwaitingApproval,
					})
					return
				}
			}
			approvedCallID = ""

			if err := e.executeCall(ctx, st, call, events); err != nil {
				e.emit(ctx, events, StepEvent{
					Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
				})
				return
			}
		}

		// Budget ceilings. Exceeding either is a checkpointed failure, not
		// a silent stop.
		if st.Iteration >= e.cfg.MaxIterations {
			e.fail(ctx, st, fmt.Sprintf("iteration budget exceeded: %d iterations (limit %d)",
				st.Iteration, e.cfg.MaxIterations), events)
			return
		}
		if st.TotalTokens >= e.cfg.MaxTokens {
			e.fail(ctx, st, fmt.Sprintf("token budget exceeded: %d tokens (limit %d)",
				st.TotalTokens, e.cfg.MaxTokens), events)
			return
		}

		completion, err := e.client.Complete(ctx, st.Messages, e.toolset.Specs())
		if err != nil {
			// Aborted or failed model call: no checkpoint is written; the
			// last durable checkpoint remains the resume point.
			reason := fmt.Sprintf("model call failed: %v", err)
			if ctx.Err() != nil {
				reason = fmt.Sprintf("run canceled: %v", ctx.Err())
			}
			e.emit(ctx, events, StepEvent{
				Type: EventError, SessionID: st.SessionID, Reason: reason,
			})
			return
		}

		st.Iteration++
		st.TotalTokens += completion.TokensUsed

		if len(completion.ToolCalls) == 0 {
			st.Messages = append(st.Messages, domain.Message{
				Role:    domain.RoleAssistant,
				Content: completion.Content,
			})
			st.Completed = true
			st.Status = domain.StatusCompleted
			id, step, err := e.checkpoint(ctx, st)
			if err != nil {
				e.emit(ctx, events, StepEvent{
					Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
				})
				return
			}
			e.registry.MarkIdle(st.SessionID)
			e.emit(ctx, events, StepEvent{
				Type:         EventDone,
				SessionID:    st.SessionID,
				Step:         step,
				CheckpointID: id,
				Content:      completion.Content,
				Status:       domain.StatusCompleted,
			})
			return
		}

		st.Messages = append(st.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		id, step, err := e.checkpoint(ctx, st)
		if err != nil {
			e.emit(ctx, events, StepEvent{
				Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
			})
			return
		}
		if completion.Content != "" {
			e.emit(ctx, events, StepEvent{
				Type:         EventThinking,
				SessionID:    st.SessionID,
				Step:         step,
				CheckpointID: id,
				Content:      completion.Content,
			})
		}
		for i := range completion.ToolCalls {
			e.emit(ctx, events, StepEvent{
				Type:         EventToolCall,
				SessionID:    st.SessionID,
				Step:         step,
				CheckpointID: id,
				ToolCall:     &completion.ToolCalls[i],
			})
		}
	}
}

// executeCall runs one tool call, appends its result message, and writes the
// per-result checkpoint. Tool-local failures (unavailable sandbox, command
// timeout, nonzero exit) become result content the model can react to; only
// cancellation and checkpoint-integrity errors are returned.
func (e *Engine) executeCall(ctx context.Context, st *domain.AgentState, call domain.ToolCall, events chan<- StepEvent) error {
	var content string
	var isErr bool
	var recreated *domain.PreviousState

	tool, ok := e.toolset.Lookup(call.Name)
	switch {
	case !ok:
		content = fmt.Sprintf("unknown tool: %s", call.Name)
		isErr = true

	case tool.Kind == KindBuiltin:
		out, err := tool.Run(call.Arguments)
		if err != nil {
			content = err.Error()
			isErr = true
		} else {
			content = out
		}

	default:
		command, err := tool.BuildCommand(call.Arguments)
		if err != nil {
			content = err.Error()
			isErr = true
			break
		}

		handle, prev, err := e.registry.Acquire(ctx, st.SessionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			content = err.Error()
			isErr = true
			break
		}
		recreated = prev

		result, err := e.registry.Execute(ctx, handle, command, e.cfg.ExecTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			content = err.Error()
			isErr = true
			break
		}
		content = formatResult(result)
		isErr = result.ExitCode != 0
	}

	if recreated != nil {
		content = recreationNotice(recreated) + "\n" + content
	}

	st.Messages = append(st.Messages, domain.Message{
		Role:       domain.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		IsError:    isErr,
	})

	id, step, err := e.checkpoint(ctx, st)
	if err != nil {
		return err
	}
	e.emit(ctx, events, StepEvent{
		Type:         EventToolResult,
		SessionID:    st.SessionID,
		Step:         step,
		CheckpointID: id,
		ToolCall:     &call,
		Content:      content,
		ToolError:    isErr,
		Recreated:    recreated,
	})
	return nil
}

// fail writes the Failed terminal checkpoint with a human-readable reason.
func (e *Engine) fail(ctx context.Context, st *domain.AgentState, reason string, events chan<- StepEvent) {
	st.Status = domain.StatusFailed
	st.FailReason = reason
	id, step, err := e.checkpoint(ctx, st)
	if err != nil {
		e.emit(ctx, events, StepEvent{
			Type: EventError, SessionID: st.SessionID, Reason: err.Error(),
		})
		return
	}
	e.registry.MarkIdle(st.SessionID)
	e.emit(ctx, events, StepEvent{
		Type:         EventError,
		SessionID:    st.SessionID,
		Step:         step,
		CheckpointID: id,
		Reason:       reason,
		Status:       domain.StatusFailed,
	})
}

// checkpoint durably saves the current state and advances the working step.
// Checkpoint writes are local database writes and deliberately survive run
// cancellation.
func (e *Engine) checkpoint(ctx context.Context, st *domain.AgentState) (string, int, error) {
	id, err := e.repo.SaveCheckpoint(context.WithoutCancel(ctx), st)
	if err != nil {
		return "", 0, fmt.Errorf("checkpoint step %d: %w", st.Step, err)
	}
	saved := st.Step
	st.Step++
	return id, saved, nil
}

// emit sends an event, giving up when the run context ends.
func (e *Engine) emit(ctx context.Context, events chan<- StepEvent, ev StepEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// outstandingCalls returns the tool calls of the last assistant message that
// have no tool-result message yet, in proposal order.
func outstandingCalls(messages []domain.Message) []domain.ToolCall {
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			lastAssistant = i
			break
		}
		if messages[i].Role == domain.RoleUser {
			return nil
		}
	}
	if lastAssistant == -1 {
		return nil
	}

	answered := make(map[string]struct{})
	for _, m := range messages[lastAssistant+1:] {
		if m.Role == domain.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}

	var pending []domain.ToolCall
	for _, call := range messages[lastAssistant].ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

// replaceCallArguments rewrites the argument payload of one proposed call in
// the message history so the conversation reflects what actually ran.
func replaceCallArguments(messages []domain.Message, callID string, args json.RawMessage) []domain.Message {
	for i := range messages {
		for j := range messages[i].ToolCalls {
			if messages[i].ToolCalls[j].ID == callID {
				messages[i].ToolCalls[j].Arguments = args
			}
		}
	}
	return messages
}

func formatResult(result *sandbox.ExecResult) string {
	var b strings.Builder
	if result.ExitCode != 0 {
		fmt.Fprintf(&b, "exit code %d\n", result.ExitCode)
	}
	b.WriteString(result.Stdout)
	if result.Stderr != "" {
		if result.Stdout != "" {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(result.Stderr)
	}
	out := b.String()
	if len(out) > maxToolOutputBytes {
		out = out[:maxToolOutputBytes] + "\n... (output truncated)"
	}
	return out
}

func recreationNotice(prev *domain.PreviousState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[environment recreated: previous environment was cleaned up (%s) after %d commands",
		prev.Reason, prev.CommandCount)
	if len(prev.PackagesInstalled) > 0 {
		fmt.Fprintf(&b, "; packages no longer installed: %s", strings.Join(prev.PackagesInstalled, ", "))
	}
	if len(prev.FilesCreated) > 0 {
		fmt.Fprintf(&b, "; files no longer present: %s", strings.Join(prev.FilesCreated, ", "))
	}
	b.WriteString("]")
	return b.String()
}
