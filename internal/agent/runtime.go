// Package agent runs the turn loop: dispatch a message to an agent,
// assemble the system prompt, call the router, execute tool calls, and
// hand confirmation-gated calls back to the caller. One logical request
// owns its session for the duration of a Submit, Confirm, or Deny;
// per-session locks serialize overlapping requests.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/routing"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/skills"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/window"
	"github.com/haasonsaas/valet/pkg/models"
)

// truncatedSuffix is appended to the returned content when the model ran
// out of output tokens. The stored history keeps the plain content.
const truncatedSuffix = " ⚠ truncated"

// pendingTurnsKey persists the unused turn budget across a confirmation
// handoff.
const pendingTurnsKey = "pending_remaining_turns"

var (
	// ErrMaxTurnsExceeded means the loop hit its turn cap without a
	// terminal response.
	ErrMaxTurnsExceeded = errors.New("agent: max turns exceeded")
	// ErrConfirmationPending rejects a new message while a tool call
	// awaits confirmation.
	ErrConfirmationPending = errors.New("agent: a tool call is awaiting confirmation")
	// ErrNoPendingCall means Confirm or Deny found nothing to resolve.
	ErrNoPendingCall = errors.New("agent: no pending tool call")
)

// OutcomeStatus tags how a request finished.
type OutcomeStatus string

const (
	OutcomeCompleted           OutcomeStatus = "completed"
	OutcomePendingConfirmation OutcomeStatus = "pending_confirmation"
	OutcomeFailed              OutcomeStatus = "failed"
)

// Outcome is the terminal state of one Submit, Confirm, or Deny.
type Outcome struct {
	Status  OutcomeStatus
	Content string

	// PendingCall is set when Status is OutcomePendingConfirmation.
	PendingCall *models.ToolCall

	// Err is set when Status is OutcomeFailed.
	Err error
}

// Generator produces completions for a routed request. Satisfied by
// *routing.Router.
type Generator interface {
	Generate(ctx context.Context, session *models.Session, req *routing.Request) (*providers.NormalizedResponse, routing.Decision, error)
}

// UsageRecorder persists per-completion usage records. Satisfied by
// *usage.Tracker.
type UsageRecorder interface {
	Record(ctx context.Context, provider, tier, skill string, resp *providers.NormalizedResponse, latency time.Duration) error
}

// RuntimeConfig wires the runtime's collaborators and loop limits.
type RuntimeConfig struct {
	Store      sessions.Store
	Dispatcher *Dispatcher
	Prompts    *PromptBuilder
	Skills     *skills.Registry
	Generator  Generator
	Executor   *tools.Executor
	Tools      *tools.Registry
	Usage      UsageRecorder
	Audit      *audit.Logger
	Window     *window.Window
	Compressor window.Compressor
	Logger     *slog.Logger

	// MaxTurns caps model completions per request. Defaults to
	// config.DefaultMaxTurns.
	MaxTurns int

	// ConversationBudget is the token allowance for history sent to the
	// model; the sliding window and compactor both enforce it.
	ConversationBudget int

	CompactionEnabled bool
	SoftThreshold     float64
	PreservedTurns    int

	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Runtime executes the turn loop over sessions. Safe for concurrent use;
// requests on the same session serialize on a per-session lock.
type Runtime struct {
	store      sessions.Store
	locks      *sessions.LockManager
	dispatcher *Dispatcher
	prompts    *PromptBuilder
	skills     *skills.Registry
	generator  Generator
	executor   *tools.Executor
	registry   *tools.Registry
	usage      UsageRecorder
	audit      *audit.Logger
	window     *window.Window
	compressor window.Compressor
	logger     *slog.Logger
	cfg        RuntimeConfig
	now        func() time.Time

	mu         sync.Mutex
	compactors map[string]*window.Compactor
}

// NewRuntime builds a Runtime from cfg.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = config.DefaultMaxTurns
	}
	win := cfg.Window
	if win == nil {
		win = window.NewWindow(cfg.Compressor, logger)
	}
	return &Runtime{
		store:      cfg.Store,
		locks:      sessions.NewLockManager(),
		dispatcher: cfg.Dispatcher,
		prompts:    cfg.Prompts,
		skills:     cfg.Skills,
		generator:  cfg.Generator,
		executor:   cfg.Executor,
		registry:   cfg.Tools,
		usage:      cfg.Usage,
		audit:      cfg.Audit,
		window:     win,
		compressor: cfg.Compressor,
		logger:     logger,
		cfg:        cfg,
		now:        now,
		compactors: make(map[string]*window.Compactor),
	}
}

// Submit runs one request through the turn loop. The session is created
// on first use with an interactive source; scheduled callers create
// their session beforehand.
func (r *Runtime) Submit(ctx context.Context, sessionID, text string) (Outcome, error) {
	return r.submit(ctx, sessionID, text, nil)
}

// SubmitStream is Submit with incremental chunks delivered to stream.
// The runtime never closes the channel.
func (r *Runtime) SubmitStream(ctx context.Context, sessionID, text string, stream chan<- providers.StreamChunk) (Outcome, error) {
	return r.submit(ctx, sessionID, text, stream)
}

func (r *Runtime) submit(ctx context.Context, sessionID, text string, stream chan<- providers.StreamChunk) (Outcome, error) {
	session, err := r.store.GetOrCreate(ctx, sessionID, models.SourceInteractive)
	if err != nil {
		return failed(err)
	}
	release, err := r.locks.Acquire(ctx, session.ID)
	if err != nil {
		return failed(err)
	}
	defer release()

	// Re-read under the lock: another request may have advanced the
	// session between GetOrCreate and Acquire.
	session, err = r.store.Get(ctx, session.ID)
	if err != nil {
		return failed(err)
	}
	if session.Status == models.SessionEnded {
		return failed(sessions.ErrEnded)
	}
	if session.PendingToolCall != nil {
		call := *session.PendingToolCall
		return Outcome{Status: OutcomePendingConfirmation, PendingCall: &call, Err: ErrConfirmationPending}, ErrConfirmationPending
	}

	agent, message := r.dispatcher.Dispatch(session, text)
	if agent == nil {
		return failed(errors.New("agent: no agents configured"))
	}
	if err := r.store.Update(ctx, session); err != nil {
		return failed(err)
	}

	matched := r.matchSkills(message, session)
	system := r.prompts.Build(session, agent, matched, message)

	if err := r.store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: message}); err != nil {
		return failed(err)
	}

	return r.loop(ctx, session, agent, matched, system, r.cfg.MaxTurns, stream)
}

// Confirm executes the session's pending tool call and re-enters the
// loop with the turn budget left over from the suspended request.
func (r *Runtime) Confirm(ctx context.Context, sessionID string) (Outcome, error) {
	return r.resume(ctx, sessionID, true)
}

// Deny rejects the pending tool call with a synthetic failure result and
// re-enters the loop so the model can react.
func (r *Runtime) Deny(ctx context.Context, sessionID string) (Outcome, error) {
	return r.resume(ctx, sessionID, false)
}

func (r *Runtime) resume(ctx context.Context, sessionID string, approved bool) (Outcome, error) {
	release, err := r.locks.Acquire(ctx, sessionID)
	if err != nil {
		return failed(err)
	}
	defer release()

	session, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return failed(err)
	}
	if session.Status == models.SessionEnded {
		return failed(sessions.ErrEnded)
	}
	if session.PendingToolCall == nil {
		return failed(ErrNoPendingCall)
	}

	call := *session.PendingToolCall
	session.PendingToolCall = nil
	remaining := takePendingTurns(session, r.cfg.MaxTurns)

	var result models.ToolResult
	if approved {
		result = r.executor.Execute(ctx, call, session)
	} else {
		result = models.Fail("Tool execution denied by user")
		if r.audit != nil {
			r.audit.ToolDenied(session.ID, call.Name, call.ID)
		}
	}
	if err := r.store.AppendMessage(ctx, session.ID, toolMessage(call, result)); err != nil {
		return failed(err)
	}
	if err := r.store.Update(ctx, session); err != nil {
		return failed(err)
	}

	// The original prompt context is gone; rebuild it from the session.
	agent := r.dispatcher.Agent(session.ActiveAgent)
	if agent == nil {
		return failed(errors.New("agent: no agents configured"))
	}
	history, err := r.store.History(ctx, session.ID, 0)
	if err != nil {
		return failed(err)
	}
	lastUser := lastUserMessage(history)
	matched := r.matchSkills(lastUser, session)
	system := r.prompts.Build(session, agent, matched, lastUser)

	return r.loop(ctx, session, agent, matched, system, remaining, nil)
}

func (r *Runtime) loop(ctx context.Context, session *models.Session, agent *Definition, matched []*skills.SkillDefinition, system string, turns int, stream chan<- providers.StreamChunk) (Outcome, error) {
	comp := r.compactorFor(session.ID)
	names := skillNames(matched)
	toolDefs := r.agentTools(agent)

	for turn := 0; turn < turns; turn++ {
		history, err := r.store.History(ctx, session.ID, 0)
		if err != nil {
			return failed(err)
		}

		if comp.NeedsCompaction(history) {
			flush := comp.FlushMessage()
			if err := r.store.AppendMessage(ctx, session.ID, flush); err != nil {
				return failed(err)
			}
			history = append(history, flush)
		} else if comp.FlushInProgress() {
			history = comp.Compact(ctx, history)
			if err := r.store.ReplaceHistory(ctx, session.ID, history); err != nil {
				return failed(err)
			}
		}

		req := &routing.Request{
			Messages:        r.window.Apply(ctx, history, r.cfg.ConversationBudget),
			System:          system,
			Tools:           toolDefs,
			ActiveSkills:    names,
			AgentPreference: agent.ModelPreference,
			Stream:          stream,
		}

		start := r.now()
		resp, decision, err := r.generator.Generate(ctx, session, req)
		if err != nil {
			return failed(err)
		}
		latency := r.now().Sub(start)

		session.TrackUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		r.recordUsage(ctx, session, decision, names, resp, latency)

		switch resp.FinishReason {
		case providers.FinishToolUse:
			if err := r.appendAssistant(ctx, session, &models.Message{
				Role:      models.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			}); err != nil {
				return failed(err)
			}
			outcome, done, err := r.runToolCalls(ctx, session, agent, resp.ToolCalls, turns-turn-1)
			if done || err != nil {
				return outcome, err
			}

		case providers.FinishLength:
			if err := r.appendAssistant(ctx, session, &models.Message{Role: models.RoleAssistant, Content: resp.Content}); err != nil {
				return failed(err)
			}
			return Outcome{Status: OutcomeCompleted, Content: resp.Content + truncatedSuffix}, nil

		default:
			// stop, error, and anything a future backend invents all
			// terminate the loop with the content as the answer.
			if err := r.appendAssistant(ctx, session, &models.Message{Role: models.RoleAssistant, Content: resp.Content}); err != nil {
				return failed(err)
			}
			return Outcome{Status: OutcomeCompleted, Content: resp.Content}, nil
		}
	}

	return failed(ErrMaxTurnsExceeded)
}

// runToolCalls executes the turn's tool calls in order. A
// confirmation-gated call parks on the session and suspends the request;
// calls after it are discarded so the model re-plans with the result in
// hand. done reports whether the loop should stop.
func (r *Runtime) runToolCalls(ctx context.Context, session *models.Session, agent *Definition, calls []models.ToolCall, remaining int) (Outcome, bool, error) {
	for _, call := range calls {
		if !agent.AllowsTool(call.Name) {
			result := models.Failf("Tool not available to this agent: %s", call.Name)
			if err := r.store.AppendMessage(ctx, session.ID, toolMessage(call, result)); err != nil {
				out, _ := failed(err)
				return out, true, err
			}
			continue
		}

		if r.registry != nil && r.registry.RequiresConfirmation(call.Name) {
			pending := call
			session.PendingToolCall = &pending
			if session.Metadata == nil {
				session.Metadata = make(map[string]any)
			}
			session.Metadata[pendingTurnsKey] = remaining
			if err := r.store.Update(ctx, session); err != nil {
				out, _ := failed(err)
				return out, true, err
			}
			returned := call
			return Outcome{Status: OutcomePendingConfirmation, PendingCall: &returned}, true, nil
		}

		result := r.executor.Execute(ctx, call, session)
		if err := r.store.AppendMessage(ctx, session.ID, toolMessage(call, result)); err != nil {
			out, _ := failed(err)
			return out, true, err
		}
	}
	// Tool handlers may have mutated the session (enabled skills,
	// forced provider).
	if err := r.store.Update(ctx, session); err != nil {
		out, _ := failed(err)
		return out, true, err
	}
	return Outcome{}, false, nil
}

func (r *Runtime) appendAssistant(ctx context.Context, session *models.Session, msg *models.Message) error {
	if err := r.store.AppendMessage(ctx, session.ID, msg); err != nil {
		return err
	}
	session.TurnCount++
	return r.store.Update(ctx, session)
}

func (r *Runtime) recordUsage(ctx context.Context, session *models.Session, decision routing.Decision, names []string, resp *providers.NormalizedResponse, latency time.Duration) {
	skill := ""
	if len(names) > 0 {
		skill = names[0]
	}
	if r.usage != nil {
		if err := r.usage.Record(ctx, decision.Tier.Provider, decision.Tier.Name, skill, resp, latency); err != nil {
			r.logger.Warn("usage record failed", "error", err)
		}
	}
	if r.audit != nil {
		r.audit.Completion(session.ID, decision.Tier.Provider, decision.Tier.Name, resp.Model,
			string(resp.FinishReason), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, latency)
	}
}

func (r *Runtime) matchSkills(message string, session *models.Session) []*skills.SkillDefinition {
	if r.skills == nil {
		return nil
	}
	return r.skills.Match(message, session.EnabledSkills)
}

func (r *Runtime) agentTools(agent *Definition) []tools.Definition {
	if r.registry == nil {
		return nil
	}
	defs := r.registry.Definitions()
	kept := defs[:0]
	for _, def := range defs {
		if agent.AllowsTool(def.Name) {
			kept = append(kept, def)
		}
	}
	return kept
}

// compactorFor returns the session's compactor, creating it on first
// use. The flush flag is per-conversation state, so instances are never
// shared across sessions.
func (r *Runtime) compactorFor(sessionID string) *window.Compactor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.compactors[sessionID]; ok {
		return c
	}
	c := window.NewCompactor(window.CompactorConfig{
		Enabled:        r.cfg.CompactionEnabled,
		SoftThreshold:  r.cfg.SoftThreshold,
		PreservedTurns: r.cfg.PreservedTurns,
		Budget:         r.cfg.ConversationBudget,
		SessionID:      sessionID,
		Audit:          r.audit,
		Logger:         r.logger,
		Now:            r.now,
	}, r.compressor)
	r.compactors[sessionID] = c
	return c
}

func failed(err error) (Outcome, error) {
	return Outcome{Status: OutcomeFailed, Err: err}, err
}

func toolMessage(call models.ToolCall, result models.ToolResult) *models.Message {
	success := result.Success
	return &models.Message{
		Role:       models.RoleTool,
		Content:    result.Text(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Success:    &success,
	}
}

func takePendingTurns(session *models.Session, fallback int) int {
	if session.Metadata == nil {
		return fallback
	}
	v, ok := session.Metadata[pendingTurnsKey]
	if !ok {
		return fallback
	}
	delete(session.Metadata, pendingTurnsKey)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return fallback
}

// lastUserMessage finds the most recent real user message, skipping
// runtime-injected flush markers.
func lastUserMessage(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != models.RoleUser {
			continue
		}
		if strings.HasPrefix(m.Content, window.FlushMarker) {
			continue
		}
		return m.Content
	}
	return ""
}

func skillNames(matched []*skills.SkillDefinition) []string {
	if len(matched) == 0 {
		return nil
	}
	names := make([]string, len(matched))
	for i, sk := range matched {
		names[i] = sk.Name
	}
	return names
}
