package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/pkg/models"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// ExecutorConfig configures the execution pipeline. Zero values fall back
// to defaults; a nil Audit disables the trail.
type ExecutorConfig struct {
	Timeout   time.Duration
	Audit     *audit.Logger
	Sanitizer *Sanitizer
	Logger    *slog.Logger

	// Observer, when set, is called after every execution with the
	// measured duration. Wiring uses it for metrics and trace spans.
	Observer func(ctx context.Context, tool string, success bool, elapsed time.Duration)
}

// Executor runs tool calls through the registry with argument
// normalization, schema validation, a per-call deadline, panic recovery,
// audit records, and trust-driven output sanitization. Failures surface as
// failed results, never as errors that would abort the agent loop.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	sanitizer *Sanitizer
	audit     *audit.Logger
	logger    *slog.Logger
	observer  func(ctx context.Context, tool string, success bool, elapsed time.Duration)
}

// NewExecutor builds an executor over the registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = NewSanitizer(0, cfg.Logger)
	}
	return &Executor{
		registry:  registry,
		timeout:   cfg.Timeout,
		sanitizer: cfg.Sanitizer,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
}

// Timeout returns the per-call deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Execute runs one tool call on behalf of session. Confirmation gating is
// the caller's job; by the time a call reaches here it is approved.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, session *models.Session) models.ToolResult {
	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}

	ent, ok := e.registry.lookup(call.Name)
	if !ok {
		if e.audit != nil {
			e.audit.UnknownTool(sessionID, call.Name)
		}
		return models.Failf("Unknown tool: %s", call.Name)
	}

	args := NormalizeArguments(call.Arguments)
	if err := ent.validate(args); err != nil {
		return models.Failf("Invalid arguments for %s: %v", call.Name, err)
	}

	start := time.Now()
	if e.audit != nil {
		e.audit.ToolExecStart(sessionID, call.Name, call.ID, encodeArgs(args))
	}

	result := e.run(ctx, ent.def, args, session)

	if ent.def.Trust.Sanitized() && result.Output != "" {
		result.Output = e.sanitizer.Clean(call.Name, result.Output)
	}

	elapsed := time.Since(start)
	if e.audit != nil {
		e.audit.ToolExecEnd(sessionID, call.Name, call.ID, result.Text(), result.Success, elapsed)
	}
	if e.observer != nil {
		e.observer(ctx, call.Name, result.Success, elapsed)
	}
	return result
}

// run invokes the handler under the deadline. The result channel is
// buffered so a handler that finishes after the deadline can still send and
// exit instead of leaking.
func (e *Executor) run(ctx context.Context, def Definition, args map[string]any, session *models.Session) models.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan models.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool handler panicked", "tool", def.Name, "panic", r)
				done <- models.Failf("Tool error: %v", r)
			}
		}()
		done <- def.Handler(ctx, args, session)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("tool execution timed out", "tool", def.Name, "timeout", e.timeout)
			return models.Failf("Tool execution timed out after %ds", int(e.timeout.Seconds()))
		}
		return models.Fail("Tool execution canceled")
	}
}

func encodeArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
