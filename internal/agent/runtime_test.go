package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/routing"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/window"
	"github.com/haasonsaas/valet/internal/workspace"
	"github.com/haasonsaas/valet/pkg/models"
)

type genStep struct {
	resp *providers.NormalizedResponse
	err  error
}

func stopResp(content string) genStep {
	return genStep{resp: &providers.NormalizedResponse{
		Content:      content,
		Model:        "llama3.1:8b",
		FinishReason: providers.FinishStop,
		Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

func lengthResp(content string) genStep {
	return genStep{resp: &providers.NormalizedResponse{
		Content:      content,
		Model:        "llama3.1:8b",
		FinishReason: providers.FinishLength,
		Usage:        providers.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

func toolResp(calls ...models.ToolCall) genStep {
	return genStep{resp: &providers.NormalizedResponse{
		Model:        "llama3.1:8b",
		FinishReason: providers.FinishToolUse,
		ToolCalls:    calls,
		Usage:        providers.Usage{PromptTokens: 12, CompletionTokens: 6},
	}}
}

type capturedRequest struct {
	system          string
	messages        []*models.Message
	toolNames       []string
	activeSkills    []string
	agentPreference string
	hasStream       bool
}

// scriptedGenerator replays canned responses and captures each request.
type scriptedGenerator struct {
	t        *testing.T
	steps    []genStep
	calls    int
	requests []capturedRequest
}

func (g *scriptedGenerator) Generate(_ context.Context, _ *models.Session, req *routing.Request) (*providers.NormalizedResponse, routing.Decision, error) {
	g.calls++
	var names []string
	for _, def := range req.Tools {
		names = append(names, def.Name)
	}
	g.requests = append(g.requests, capturedRequest{
		system:          req.System,
		messages:        req.Messages,
		toolNames:       names,
		activeSkills:    req.ActiveSkills,
		agentPreference: req.AgentPreference,
		hasStream:       req.Stream != nil,
	})
	if g.calls > len(g.steps) {
		g.t.Fatalf("unexpected generate call %d (scripted %d)", g.calls, len(g.steps))
	}
	step := g.steps[g.calls-1]
	if step.err != nil {
		return nil, routing.Decision{}, step.err
	}
	decision := routing.Decision{
		Tier:   config.TierConfig{Name: "workhorse", Provider: "local", Model: "llama3.1:8b"},
		Reason: "default",
	}
	return step.resp, decision, nil
}

type usageRecord struct {
	provider, tier, skill string
	promptTokens          int
	completionTokens      int
}

type recordingUsage struct {
	records []usageRecord
}

func (r *recordingUsage) Record(_ context.Context, provider, tier, skill string, resp *providers.NormalizedResponse, _ time.Duration) error {
	r.records = append(r.records, usageRecord{
		provider:         provider,
		tier:             tier,
		skill:            skill,
		promptTokens:     resp.Usage.PromptTokens,
		completionTokens: resp.Usage.CompletionTokens,
	})
	return nil
}

type runtimeFixture struct {
	runtime  *Runtime
	store    sessions.Store
	gen      *scriptedGenerator
	usage    *recordingUsage
	registry *tools.Registry
}

func newFixture(t *testing.T, steps []genStep, mutate func(*RuntimeConfig)) *runtimeFixture {
	t.Helper()

	store := sessions.NewMemoryStore()
	registry := tools.NewRegistry()
	register := func(def tools.Definition) {
		t.Helper()
		if err := registry.Register(def); err != nil {
			t.Fatalf("Register(%s): %v", def.Name, err)
		}
	}
	register(tools.Definition{
		Name:        "echo",
		Description: "Echo text back",
		Trust:       tools.TrustTrusted,
		Handler: func(_ context.Context, args map[string]any, _ *models.Session) models.ToolResult {
			text, _ := args["text"].(string)
			return models.OK("echo: " + text)
		},
	})
	register(tools.Definition{
		Name:                 "shell_exec",
		Description:          "Run a shell command",
		RequiresConfirmation: true,
		Trust:                tools.TrustMixed,
		Handler: func(_ context.Context, _ map[string]any, _ *models.Session) models.ToolResult {
			return models.OK("command output")
		},
	})

	budget, err := tokens.NewBudget(32768, nil)
	if err != nil {
		t.Fatalf("NewBudget: %v", err)
	}
	gen := &scriptedGenerator{t: t, steps: steps}
	rec := &recordingUsage{}
	cfg := RuntimeConfig{
		Store: store,
		Dispatcher: NewDispatcher([]*Definition{
			{Name: "default", Persona: "You are valet.", ModelPreference: "auto"},
			{Name: "coder", Persona: "You write Go.", Keywords: []string{"code"}, ModelPreference: "local"},
		}, quietLogger()),
		Prompts: NewPromptBuilder(PromptBuilderConfig{
			Workspace: workspace.Files{Soul: "Be helpful."},
			Tools:     registry,
			Budget:    budget,
			Logger:    quietLogger(),
		}),
		Generator:          gen,
		Executor:           tools.NewExecutor(registry, tools.ExecutorConfig{Logger: quietLogger()}),
		Tools:              registry,
		Usage:              rec,
		Logger:             quietLogger(),
		MaxTurns:           6,
		ConversationBudget: 8192,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &runtimeFixture{
		runtime:  NewRuntime(cfg),
		store:    store,
		gen:      gen,
		usage:    rec,
		registry: registry,
	}
}

func (f *runtimeFixture) history(t *testing.T, sessionID string) []*models.Message {
	t.Helper()
	msgs, err := f.store.History(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return msgs
}

func (f *runtimeFixture) session(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	session, err := f.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return session
}

func TestSubmitSimpleCompletion(t *testing.T) {
	f := newFixture(t, []genStep{stopResp("Hello there!")}, nil)

	out, err := f.runtime.Submit(context.Background(), "chat-1", "hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != OutcomeCompleted || out.Content != "Hello there!" {
		t.Errorf("outcome = %+v, want completed Hello there!", out)
	}

	history := f.history(t, "chat-1")
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "hi" {
		t.Errorf("history[0] = %+v, want user hi", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "Hello there!" {
		t.Errorf("history[1] = %+v, want assistant reply", history[1])
	}

	session := f.session(t, "chat-1")
	if session.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", session.TurnCount)
	}
	if session.InputTokens != 10 || session.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 10/5", session.InputTokens, session.OutputTokens)
	}
	if session.ActiveAgent != "default" {
		t.Errorf("ActiveAgent = %q, want default", session.ActiveAgent)
	}

	if len(f.usage.records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(f.usage.records))
	}
	if r := f.usage.records[0]; r.provider != "local" || r.tier != "workhorse" {
		t.Errorf("usage record = %+v", r)
	}

	if !strings.Contains(f.gen.requests[0].system, "<soul>") {
		t.Error("system prompt missing soul section")
	}
}

func TestSubmitToolRoundTrip(t *testing.T) {
	call := models.ToolCall{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "ping"}}
	f := newFixture(t, []genStep{toolResp(call), stopResp("The echo said ping.")}, nil)

	out, err := f.runtime.Submit(context.Background(), "s", "echo ping please")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != OutcomeCompleted || out.Content != "The echo said ping." {
		t.Errorf("outcome = %+v", out)
	}

	history := f.history(t, "s")
	if len(history) != 4 {
		t.Fatalf("history len = %d, want user/assistant/tool/assistant", len(history))
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "echo" {
		t.Errorf("assistant tool_calls = %+v", history[1].ToolCalls)
	}
	toolMsg := history[2]
	if toolMsg.Role != models.RoleTool || toolMsg.Content != "echo: ping" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if toolMsg.ToolCallID != "call-1" || toolMsg.ToolName != "echo" {
		t.Errorf("tool linkage = %q/%q", toolMsg.ToolCallID, toolMsg.ToolName)
	}
	if toolMsg.Success == nil || !*toolMsg.Success {
		t.Error("tool message should record success")
	}

	if f.gen.calls != 2 {
		t.Fatalf("generate calls = %d, want 2", f.gen.calls)
	}
	second := f.gen.requests[1].messages
	if second[len(second)-1].Role != models.RoleTool {
		t.Error("second request should end with the tool result")
	}

	if session := f.session(t, "s"); session.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", session.TurnCount)
	}
}

func TestSubmitMaxTurnsExceeded(t *testing.T) {
	call := models.ToolCall{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}}
	f := newFixture(t, []genStep{toolResp(call), toolResp(call)}, func(cfg *RuntimeConfig) {
		cfg.MaxTurns = 2
	})

	out, err := f.runtime.Submit(context.Background(), "s", "loop forever")
	if !errors.Is(err, ErrMaxTurnsExceeded) {
		t.Fatalf("err = %v, want ErrMaxTurnsExceeded", err)
	}
	if out.Status != OutcomeFailed {
		t.Errorf("status = %s, want failed", out.Status)
	}
	if f.gen.calls != 2 {
		t.Errorf("generate calls = %d, want 2", f.gen.calls)
	}
}

func TestSubmitParksConfirmationGatedCall(t *testing.T) {
	call := models.ToolCall{ID: "c9", Name: "shell_exec", Arguments: map[string]any{"command": "ls"}}
	f := newFixture(t, []genStep{toolResp(call)}, nil)

	out, err := f.runtime.Submit(context.Background(), "s", "run ls")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Status != OutcomePendingConfirmation {
		t.Fatalf("status = %s, want pending_confirmation", out.Status)
	}
	if out.PendingCall == nil || out.PendingCall.Name != "shell_exec" {
		t.Fatalf("pending call = %+v", out.PendingCall)
	}

	session := f.session(t, "s")
	if session.PendingToolCall == nil || session.PendingToolCall.ID != "c9" {
		t.Fatalf("session pending call = %+v", session.PendingToolCall)
	}
	if got := session.Metadata[pendingTurnsKey]; got != 5 {
		t.Errorf("remaining turns = %v, want 5", got)
	}

	// A new message while awaiting confirmation is rejected.
	_, err = f.runtime.Submit(context.Background(), "s", "never mind")
	if !errors.Is(err, ErrConfirmationPending) {
		t.Errorf("second submit err = %v, want ErrConfirmationPending", err)
	}
	if f.gen.calls != 1 {
		t.Errorf("generate calls = %d, want 1", f.gen.calls)
	}
}

func TestConfirmExecutesAndResumes(t *testing.T) {
	call := models.ToolCall{ID: "c9", Name: "shell_exec", Arguments: map[string]any{"command": "ls"}}
	f := newFixture(t, []genStep{toolResp(call), stopResp("Two files in there.")}, nil)

	if _, err := f.runtime.Submit(context.Background(), "s", "run ls"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out, err := f.runtime.Confirm(context.Background(), "s")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if out.Status != OutcomeCompleted || out.Content != "Two files in there." {
		t.Errorf("outcome = %+v", out)
	}

	history := f.history(t, "s")
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	toolMsg := history[2]
	if toolMsg.Content != "command output" {
		t.Errorf("tool result = %q, want executed output", toolMsg.Content)
	}
	if toolMsg.Success == nil || !*toolMsg.Success {
		t.Error("confirmed call should record success")
	}

	session := f.session(t, "s")
	if session.PendingToolCall != nil {
		t.Error("pending call should be cleared")
	}
	if _, ok := session.Metadata[pendingTurnsKey]; ok {
		t.Error("pending turn budget should be cleared")
	}
}

func TestDenyAppendsFailureAndResumes(t *testing.T) {
	call := models.ToolCall{ID: "c9", Name: "shell_exec", Arguments: map[string]any{"command": "rm -rf /"}}
	f := newFixture(t, []genStep{toolResp(call), stopResp("Understood, leaving it alone.")}, nil)

	if _, err := f.runtime.Submit(context.Background(), "s", "clean up"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out, err := f.runtime.Deny(context.Background(), "s")
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Errorf("outcome = %+v", out)
	}

	toolMsg := f.history(t, "s")[2]
	if toolMsg.Content != "Tool execution denied by user" {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
	if toolMsg.Success == nil || *toolMsg.Success {
		t.Error("denied call should record failure")
	}
}

func TestConfirmWithoutPendingCall(t *testing.T) {
	f := newFixture(t, nil, nil)
	if _, err := f.store.GetOrCreate(context.Background(), "s", models.SourceInteractive); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	_, err := f.runtime.Confirm(context.Background(), "s")
	if !errors.Is(err, ErrNoPendingCall) {
		t.Errorf("err = %v, want ErrNoPendingCall", err)
	}

	_, err = f.runtime.Deny(context.Background(), "ghost")
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitMentionRoutesAndStrips(t *testing.T) {
	f := newFixture(t, []genStep{stopResp("On it.")}, nil)

	if _, err := f.runtime.Submit(context.Background(), "s", "@coder review this diff"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if session := f.session(t, "s"); session.ActiveAgent != "coder" {
		t.Errorf("ActiveAgent = %q, want coder", session.ActiveAgent)
	}
	if history := f.history(t, "s"); history[0].Content != "review this diff" {
		t.Errorf("stored message = %q, want mention stripped", history[0].Content)
	}
	if pref := f.gen.requests[0].agentPreference; pref != "local" {
		t.Errorf("agent preference = %q, want local", pref)
	}
}

func TestSubmitLengthAppendsTruncationNotice(t *testing.T) {
	f := newFixture(t, []genStep{lengthResp("Partial answer")}, nil)

	out, err := f.runtime.Submit(context.Background(), "s", "write a novel")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Content != "Partial answer ⚠ truncated" {
		t.Errorf("content = %q, want truncation suffix", out.Content)
	}
	// The stored history keeps the clean content.
	if history := f.history(t, "s"); history[1].Content != "Partial answer" {
		t.Errorf("stored content = %q", history[1].Content)
	}
}

func TestSubmitEndedSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	if _, err := f.store.GetOrCreate(ctx, "s", models.SourceInteractive); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := f.store.End(ctx, "s"); err != nil {
		t.Fatalf("End: %v", err)
	}

	out, err := f.runtime.Submit(ctx, "s", "hello?")
	if !errors.Is(err, sessions.ErrEnded) {
		t.Fatalf("err = %v, want ErrEnded", err)
	}
	if out.Status != OutcomeFailed {
		t.Errorf("status = %s, want failed", out.Status)
	}
}

func TestSubmitDisallowedToolFails(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "shell_exec", Arguments: map[string]any{"command": "ls"}}
	f := newFixture(t, []genStep{toolResp(call), stopResp("Fine.")}, func(cfg *RuntimeConfig) {
		cfg.Dispatcher = NewDispatcher([]*Definition{
			{Name: "default", Persona: "p", AllowedTools: []string{"echo"}},
		}, quietLogger())
	})

	out, err := f.runtime.Submit(context.Background(), "s", "run ls")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Disallowed tools fail fast instead of parking a confirmation.
	if out.Status != OutcomeCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	toolMsg := f.history(t, "s")[2]
	if toolMsg.Content != "Tool not available to this agent: shell_exec" {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
	if toolMsg.Success == nil || *toolMsg.Success {
		t.Error("disallowed call should record failure")
	}
}

func TestSubmitUnknownToolFails(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "ghost_tool", Arguments: map[string]any{}}
	f := newFixture(t, []genStep{toolResp(call), stopResp("Sorry about that.")}, nil)

	if _, err := f.runtime.Submit(context.Background(), "s", "use the ghost"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	toolMsg := f.history(t, "s")[2]
	if toolMsg.Content != "Unknown tool: ghost_tool" {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
}

func TestSubmitGeneratorError(t *testing.T) {
	genErr := errors.New("backend down")
	f := newFixture(t, []genStep{{err: genErr}}, nil)

	out, err := f.runtime.Submit(context.Background(), "s", "hi")
	if !errors.Is(err, genErr) {
		t.Fatalf("err = %v, want generator error", err)
	}
	if out.Status != OutcomeFailed {
		t.Errorf("status = %s, want failed", out.Status)
	}
	// The user message is already part of history; a retry can pick it up.
	if history := f.history(t, "s"); len(history) != 1 || history[0].Role != models.RoleUser {
		t.Errorf("history = %+v, want just the user message", history)
	}
}

func TestSubmitStreamReachesGenerator(t *testing.T) {
	f := newFixture(t, []genStep{stopResp("streamed")}, nil)
	stream := make(chan providers.StreamChunk, 4)

	if _, err := f.runtime.SubmitStream(context.Background(), "s", "hi", stream); err != nil {
		t.Fatalf("SubmitStream: %v", err)
	}
	if !f.gen.requests[0].hasStream {
		t.Error("stream channel did not reach the generator")
	}
}

func TestSubmitInjectsFlushMessage(t *testing.T) {
	f := newFixture(t, []genStep{stopResp("Noted.")}, func(cfg *RuntimeConfig) {
		cfg.CompactionEnabled = true
		cfg.ConversationBudget = 100
		cfg.SoftThreshold = 0.5
		cfg.PreservedTurns = 1
	})

	long := strings.Repeat("fact ", 60)
	if _, err := f.runtime.Submit(context.Background(), "s", long); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	history := f.history(t, "s")
	if len(history) != 3 {
		t.Fatalf("history len = %d, want user/flush/assistant", len(history))
	}
	flush := history[1]
	if flush.Role != models.RoleUser || !strings.HasPrefix(flush.Content, window.FlushMarker) {
		t.Errorf("history[1] = %+v, want flush marker message", flush)
	}
}

func TestSubmitCompactsAfterFlush(t *testing.T) {
	steps := []genStep{stopResp("Noted A."), stopResp("Noted B."), stopResp("Noted C."), stopResp("Noted D.")}
	f := newFixture(t, steps, func(cfg *RuntimeConfig) {
		cfg.CompactionEnabled = true
		cfg.ConversationBudget = 100
		cfg.SoftThreshold = 0.5
		cfg.PreservedTurns = 1
	})
	ctx := context.Background()

	// First message crosses the threshold and triggers the flush; the
	// second compacts with too few assistant turns (markers stripped,
	// no summary head); the third re-arms the flush; the fourth folds
	// the prefix into a compacted-context head.
	long := strings.Repeat("fact ", 60)
	for i, msg := range []string{long, "continue", "more", "wrap up"} {
		if _, err := f.runtime.Submit(ctx, "s", msg); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	history := f.history(t, "s")
	if len(history) != 4 {
		t.Fatalf("history len = %d, want compacted head + 3 messages:\n%+v", len(history), history)
	}
	head := history[0]
	if head.Role != models.RoleSystem || !strings.HasPrefix(head.Content, window.CompactedPrefix) {
		t.Errorf("history[0] = %+v, want compacted-context head", head)
	}
	for i, m := range history {
		if strings.HasPrefix(m.Content, window.FlushMarker) {
			t.Errorf("history[%d] still carries a flush marker", i)
		}
	}
	if history[3].Content != "Noted D." {
		t.Errorf("history[3] = %q, want final answer", history[3].Content)
	}
}

func TestTakePendingTurns(t *testing.T) {
	session := &models.Session{Metadata: map[string]any{pendingTurnsKey: float64(3)}}
	if got := takePendingTurns(session, 9); got != 3 {
		t.Errorf("float64 form = %d, want 3", got)
	}
	if _, ok := session.Metadata[pendingTurnsKey]; ok {
		t.Error("key should be consumed")
	}

	session = &models.Session{Metadata: map[string]any{pendingTurnsKey: 4}}
	if got := takePendingTurns(session, 9); got != 4 {
		t.Errorf("int form = %d, want 4", got)
	}

	if got := takePendingTurns(&models.Session{}, 9); got != 9 {
		t.Errorf("missing metadata = %d, want fallback", got)
	}
}
