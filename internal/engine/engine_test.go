package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/model"
	"github.com/mkorolev/agentbox/internal/sandbox"
	"github.com/mkorolev/agentbox/internal/store"
)

// scriptedClient returns a fixed sequence of completions, one per call.
type scriptedClient struct {
	mu          sync.Mutex
	completions []*model.Completion
	err         error
}

func (c *scriptedClient) Complete(_ context.Context, _ []domain.Message, _ []model.ToolSpec) (*model.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if len(c.completions) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := c.completions[0]
	c.completions = c.completions[1:]
	return next, nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	provisions int
	failAll    bool
	commands   []string
	result     sandbox.ExecResult
}

func (f *fakeRuntime) Provision(_ context.Context, sessionID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errors.New("runtime down")
	}
	f.provisions++
	return "env-" + sessionID, nil
}

func (f *fakeRuntime) Exec(_ context.Context, _, _, command string, _ time.Duration) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	result := f.result
	return &result, nil
}

func (f *fakeRuntime) Destroy(context.Context, string) error { return nil }

func (f *fakeRuntime) ListEnvironments(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeRuntime) executedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestEngine(t *testing.T, rt *fakeRuntime, client model.Client, cfg Config) (*Engine, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	registry := sandbox.NewRegistry(rt, repo)
	policy := NewRulePolicy(DefaultSensitiveTools, DefaultSensitivePatterns)
	return New(repo, registry, client, policy, NewSessionLocks(), cfg), repo
}

func collectEvents(t *testing.T, ch <-chan StepEvent) []StepEvent {
	t.Helper()
	var events []StepEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for run events")
		}
	}
}

func eventsOfType(events []StepEvent, typ EventType) []StepEvent {
	var out []StepEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func toolCallCompletion(callID, tool, args string, tokens int) *model.Completion {
	return &model.Completion{
		Content: "working on it",
		ToolCalls: []domain.ToolCall{
			{ID: callID, Name: tool, Arguments: []byte(args)},
		},
		TokensUsed: tokens,
	}
}

func TestRunCheckpointsEveryTransition(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"echo hi"}`, 50),
		{Content: "all done", TokensUsed: 30},
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "hi"}}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "say hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	if len(eventsOfType(events, EventError)) != 0 {
		t.Fatalf("unexpected error events: %+v", events)
	}
	done := eventsOfType(events, EventDone)
	if len(done) != 1 || done[0].Content != "all done" {
		t.Fatalf("expected one done event with final answer, got %+v", done)
	}

	// One checkpoint per transition: proposal, tool result, completion.
	summaries, err := repo.ListCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(summaries))
	}
	wantStatus := []domain.RunStatus{domain.StatusRunning, domain.StatusRunning, domain.StatusCompleted}
	for i, cs := range summaries {
		if cs.Step != i {
			t.Errorf("checkpoint %d has step %d", i, cs.Step)
		}
		if cs.Status != wantStatus[i] {
			t.Errorf("checkpoint %d has status %q, want %q", i, cs.Status, wantStatus[i])
		}
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if !latest.Completed || latest.TotalTokens != 80 {
		t.Fatalf("unexpected final state: completed=%v tokens=%d", latest.Completed, latest.TotalTokens)
	}

	got := rt.executedCommands()
	if len(got) != 1 || got[0] != "echo hi" {
		t.Fatalf("unexpected executed commands: %v", got)
	}
}

func TestSensitiveToolSuspendsForApproval(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "delete_file", `{"path":"data.csv"}`, 40),
	}}
	rt := &fakeRuntime{}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "delete the data file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	interrupts := eventsOfType(events, EventInterrupt)
	if len(interrupts) != 1 {
		t.Fatalf("expected one interrupt event, got %+v", events)
	}
	if interrupts[0].ToolCall == nil || interrupts[0].ToolCall.Name != "delete_file" {
		t.Fatalf("interrupt does not carry the pending call: %+v", interrupts[0])
	}
	if interrupts[0].Reason == "" {
		t.Fatal("interrupt reason must be set")
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusAwaitingApproval || latest.PendingAction == nil {
		t.Fatalf("expected suspended state, got %+v", latest)
	}

	// Nothing ran in the sandbox.
	if len(rt.executedCommands()) != 0 {
		t.Fatalf("sensitive call executed without approval: %v", rt.executedCommands())
	}

	// A new run on a suspended session is rejected.
	if _, err := eng.Run(ctx, "s1", "another message"); !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("expected ErrAwaitingApproval, got %v", err)
	}
}

func TestResumeApproveExecutesPendingCall(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "delete_file", `{"path":"data.csv"}`, 40),
		{Content: "file removed", TokensUsed: 20},
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{}}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "delete the data file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	ch, err = eng.Resume(ctx, "s1", DecisionApprove, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	events := collectEvents(t, ch)

	if len(eventsOfType(events, EventDone)) != 1 {
		t.Fatalf("expected run to complete after approval, got %+v", events)
	}

	got := rt.executedCommands()
	if len(got) != 1 || got[0] != "rm -f 'data.csv'" {
		t.Fatalf("approved call was not executed as proposed: %v", got)
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusCompleted || latest.PendingAction != nil {
		t.Fatalf("expected completed state with no pending action, got %+v", latest)
	}
}

func TestResumeRejectSkipsExecution(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "delete_file", `{"path":"data.csv"}`, 40),
		{Content: "understood, leaving the file alone", TokensUsed: 20},
	}}
	rt := &fakeRuntime{}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "delete the data file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	ch, err = eng.Resume(ctx, "s1", DecisionReject, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	events := collectEvents(t, ch)

	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 || !results[0].ToolError {
		t.Fatalf("expected one synthetic rejection result, got %+v", results)
	}
	if !strings.Contains(results[0].Content, "rejected") {
		t.Fatalf("rejection result should say so: %q", results[0].Content)
	}
	if len(eventsOfType(events, EventDone)) != 1 {
		t.Fatalf("run should complete after rejection, got %+v", events)
	}

	if len(rt.executedCommands()) != 0 {
		t.Fatalf("rejected call must not execute: %v", rt.executedCommands())
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusCompleted {
		t.Fatalf("expected completed state, got %q", latest.Status)
	}
}

func TestResumeModifyRunsReplacementArguments(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "delete_file", `{"path":"data.csv"}`, 40),
		{Content: "removed the temp file instead", TokensUsed: 20},
	}}
	rt := &fakeRuntime{}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "delete the data file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	ch, err = eng.Resume(ctx, "s1", DecisionModify, []byte(`{"path":"tmp.csv"}`))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	events := collectEvents(t, ch)

	if len(eventsOfType(events, EventDone)) != 1 {
		t.Fatalf("expected completion, got %+v", events)
	}

	got := rt.executedCommands()
	if len(got) != 1 || got[0] != "rm -f 'tmp.csv'" {
		t.Fatalf("modified arguments were not used: %v", got)
	}

	// The message history reflects what actually ran.
	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	var foundCall bool
	for _, m := range latest.Messages {
		for _, call := range m.ToolCalls {
			if call.ID == "c1" {
				foundCall = true
				if string(call.Arguments) != `{"path":"tmp.csv"}` {
					t.Fatalf("history still carries original arguments: %s", call.Arguments)
				}
			}
		}
	}
	if !foundCall {
		t.Fatal("proposed call missing from history")
	}
}

func TestResumeModifyRequiresArguments(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "delete_file", `{"path":"data.csv"}`, 40),
	}}
	eng, _ := newTestEngine(t, &fakeRuntime{}, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "delete the data file")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	if _, err := eng.Resume(ctx, "s1", DecisionModify, nil); err == nil {
		t.Fatal("modify without replacement arguments must fail")
	}

	// The session remains resumable.
	ch, err = eng.Resume(ctx, "s1", DecisionReject, nil)
	if err != nil {
		t.Fatalf("reject after failed modify: %v", err)
	}
	collectEvents(t, ch)
}

func TestResumeStaleInterrupt(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		{Content: "nothing to do", TokensUsed: 10},
	}}
	eng, _ := newTestEngine(t, &fakeRuntime{}, client, Config{})
	ctx := context.Background()

	// No checkpoints at all.
	if _, err := eng.Resume(ctx, "empty", DecisionApprove, nil); !errors.Is(err, ErrStaleInterrupt) {
		t.Fatalf("expected ErrStaleInterrupt for untouched session, got %v", err)
	}

	// Latest checkpoint is terminal, not suspended.
	ch, err := eng.Run(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	if _, err := eng.Resume(ctx, "s1", DecisionApprove, nil); !errors.Is(err, ErrStaleInterrupt) {
		t.Fatalf("expected ErrStaleInterrupt for completed session, got %v", err)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		{Content: "ok", TokensUsed: 10},
	}}
	eng, _ := newTestEngine(t, &fakeRuntime{}, client, Config{})

	// Simulate an in-flight run holding the session lock.
	if !eng.locks.TryAcquire("s1") {
		t.Fatal("fresh lock should acquire")
	}
	defer eng.locks.Release("s1")

	if _, err := eng.Run(context.Background(), "s1", "hi"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}

func TestIterationBudgetWritesFailedCheckpoint(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"echo hi"}`, 50),
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "hi"}}
	eng, repo := newTestEngine(t, rt, client, Config{MaxIterations: 1})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "loop forever")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	errs := eventsOfType(events, EventError)
	if len(errs) != 1 || errs[0].Status != domain.StatusFailed {
		t.Fatalf("expected a failed terminal event, got %+v", events)
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %q", latest.Status)
	}
	if !strings.Contains(latest.FailReason, "iteration budget") {
		t.Fatalf("fail reason should name the budget: %q", latest.FailReason)
	}
}

func TestTokenBudgetWritesFailedCheckpoint(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"echo hi"}`, 500),
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "hi"}}
	eng, repo := newTestEngine(t, rt, client, Config{MaxTokens: 100})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "burn tokens")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusFailed || !strings.Contains(latest.FailReason, "token budget") {
		t.Fatalf("expected token budget failure, got %+v", latest)
	}
}

func TestModelFailureWritesNoCheckpoint(t *testing.T) {
	client := &scriptedClient{err: errors.New("model unreachable")}
	eng, repo := newTestEngine(t, &fakeRuntime{}, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	if len(eventsOfType(events, EventError)) != 1 {
		t.Fatalf("expected one error event, got %+v", events)
	}

	summaries, err := repo.ListCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("aborted step must write no checkpoint, got %d", len(summaries))
	}

	// The session lock is released on abort.
	if !eng.locks.TryAcquire("s1") {
		t.Fatal("session lock leaked after aborted run")
	}
	eng.locks.Release("s1")
}

func TestRecreationNoticeSurfacedInToolResult(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"ls"}`, 30),
		{Content: "listed", TokensUsed: 10},
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "out.txt"}}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	// A reap summary from a previous environment is waiting.
	if err := repo.SavePreviousState(ctx, &domain.PreviousState{
		SessionID:         "s1",
		CleanedAt:         time.Now(),
		Reason:            domain.ReapIdleTimeout,
		PackagesInstalled: []string{"requests"},
		CommandCount:      7,
	}); err != nil {
		t.Fatalf("save previous state: %v", err)
	}

	ch, err := eng.Run(ctx, "s1", "list files")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 {
		t.Fatalf("expected one tool result, got %+v", events)
	}
	if results[0].Recreated == nil || results[0].Recreated.CommandCount != 7 {
		t.Fatalf("recreation notice missing from event: %+v", results[0])
	}
	if !strings.Contains(results[0].Content, "environment recreated") {
		t.Fatalf("tool result should carry the notice: %q", results[0].Content)
	}
	if !strings.Contains(results[0].Content, "requests") {
		t.Fatalf("notice should name lost packages: %q", results[0].Content)
	}
}

func TestSandboxUnavailableBecomesToolError(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"ls"}`, 30),
		{Content: "could not run commands", TokensUsed: 10},
	}}
	rt := &fakeRuntime{failAll: true}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "list files")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 || !results[0].ToolError {
		t.Fatalf("expected an error tool result, got %+v", events)
	}
	if !strings.Contains(results[0].Content, "sandbox unavailable") {
		t.Fatalf("result should name the failure: %q", results[0].Content)
	}

	// The run itself continues and completes.
	if len(eventsOfType(events, EventDone)) != 1 {
		t.Fatalf("run should survive sandbox unavailability, got %+v", events)
	}

	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Status != domain.StatusCompleted {
		t.Fatalf("expected completed run, got %q", latest.Status)
	}
}

func TestStepSequenceContinuesAcrossRuns(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		{Content: "first answer", TokensUsed: 10},
		{Content: "second answer", TokensUsed: 10},
	}}
	eng, repo := newTestEngine(t, &fakeRuntime{}, client, Config{})
	ctx := context.Background()

	for _, msg := range []string{"first", "second"} {
		ch, err := eng.Run(ctx, "s1", msg)
		if err != nil {
			t.Fatalf("run %q: %v", msg, err)
		}
		collectEvents(t, ch)
	}

	summaries, err := repo.ListCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(summaries))
	}
	if summaries[0].Step != 0 || summaries[1].Step != 1 {
		t.Fatalf("steps must continue across runs: %+v", summaries)
	}

	// Both user turns live in the final history.
	latest, err := repo.LatestCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	var userTurns int
	for _, m := range latest.Messages {
		if m.Role == domain.RoleUser {
			userTurns++
		}
	}
	if userTurns != 2 {
		t.Fatalf("expected 2 user turns in history, got %d", userTurns)
	}
}

func TestMultiCallBatchExecutesInOrder(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		{
			Content: "running both",
			ToolCalls: []domain.ToolCall{
				{ID: "c1", Name: "run_command", Arguments: []byte(`{"command":"echo one"}`)},
				{ID: "c2", Name: "run_command", Arguments: []byte(`{"command":"echo two"}`)},
			},
			TokensUsed: 60,
		},
		{Content: "both done", TokensUsed: 20},
	}}
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "ok"}}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "run both")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	if len(eventsOfType(events, EventToolResult)) != 2 {
		t.Fatalf("expected 2 tool results, got %+v", events)
	}

	got := rt.executedCommands()
	if len(got) != 2 || got[0] != "echo one" || got[1] != "echo two" {
		t.Fatalf("batch executed out of order: %v", got)
	}

	// Proposal + two results + completion.
	summaries, err := repo.ListCheckpoints(ctx, "s1")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(summaries))
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "launch_rockets", `{}`, 30),
		{Content: "sorry, no such tool", TokensUsed: 10},
	}}
	eng, _ := newTestEngine(t, &fakeRuntime{}, client, Config{})

	ch, err := eng.Run(context.Background(), "s1", "do the thing")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := collectEvents(t, ch)

	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 || !results[0].ToolError {
		t.Fatalf("expected an error result for unknown tool, got %+v", events)
	}
	if !strings.Contains(results[0].Content, "unknown tool") {
		t.Fatalf("result should name the problem: %q", results[0].Content)
	}
	if len(eventsOfType(events, EventDone)) != 1 {
		t.Fatalf("run should recover from unknown tool, got %+v", events)
	}
}

func TestReleaseSandboxReapsWithTaskComplete(t *testing.T) {
	rt := &fakeRuntime{result: sandbox.ExecResult{Stdout: "hi"}}
	client := &scriptedClient{completions: []*model.Completion{
		toolCallCompletion("c1", "run_command", `{"command":"echo hi"}`, 40),
		{Content: "done", TokensUsed: 40},
	}}
	eng, repo := newTestEngine(t, rt, client, Config{})
	ctx := context.Background()

	ch, err := eng.Run(ctx, "s1", "say hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	collectEvents(t, ch)

	if err := eng.ReleaseSandbox(ctx, "s1"); err != nil {
		t.Fatalf("release sandbox: %v", err)
	}

	prev, err := repo.TakePreviousState(ctx, "s1")
	if err != nil {
		t.Fatalf("take previous state: %v", err)
	}
	if prev == nil || prev.Reason != domain.ReapTaskComplete {
		t.Fatalf("expected task_complete reap summary, got %+v", prev)
	}
	if prev.CommandCount != 1 {
		t.Fatalf("expected command count 1, got %d", prev.CommandCount)
	}
}

func TestReleaseSandboxFailsFastWhileRunHoldsSession(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeRuntime{}, &scriptedClient{}, Config{})

	eng.locks.TryAcquire("s1")
	defer eng.locks.Release("s1")

	if err := eng.ReleaseSandbox(context.Background(), "s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}
