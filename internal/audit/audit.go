// Package audit writes the append-only audit trail: one JSON object per
// line, timestamped in UTC with microsecond precision, flushed under an
// exclusive file lock so concurrent writers and crashes never tear a line.
//
// Tool payloads are never written raw. Inputs and outputs are reduced to
// truncated SHA-256 digests before they reach the log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action names for audit entries.
const (
	ActionToolExecStart   = "tool_exec_start"
	ActionToolExecEnd     = "tool_exec_end"
	ActionToolDenied      = "tool_denied"
	ActionUnknownTool     = "unknown_tool"
	ActionCompletion      = "completion"
	ActionBudgetDowngrade = "budget_downgrade"
	ActionEscalation      = "escalation"
	ActionFlushInjected   = "context_flush"
	ActionCompaction      = "context_compaction"
	ActionScheduledRun    = "scheduled_run"
	ActionNotification    = "notification"
)

// timestampLayout is UTC ISO-8601 with microseconds.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// digestLength is the number of hex characters kept from a SHA-256 digest.
const digestLength = 16

// Entry is one audit record. Details carries action-specific fields; for
// tool executions these are digests, never content.
type Entry struct {
	TS         string         `json:"ts"`
	SessionID  string         `json:"session_id,omitempty"`
	Action     string         `json:"action"`
	Level      string         `json:"level,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the operational logger mirrored at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithBufferSize sets the event buffer size (default 256).
func WithBufferSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.bufSize = n
		}
	}
}

// Logger appends entries to a line-delimited JSON file. Appends are
// serialized through a single writer goroutine; each physical write takes an
// exclusive flock so external readers and sibling processes never observe a
// partial line.
type Logger struct {
	path    string
	file    *os.File
	logger  *slog.Logger
	now     func() time.Time
	bufSize int

	mu      sync.Mutex
	events  chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New opens (creating if needed) the audit log at path and starts the
// writer.
func New(path string, opts ...Option) (*Logger, error) {
	l := &Logger{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		bufSize: 256,
	}
	for _, opt := range opts {
		opt(l)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = file
	l.events = make(chan Entry, l.bufSize)
	l.done = make(chan struct{})
	l.started = true
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.events:
			l.write(e)
		case <-l.done:
			// Drain whatever is buffered before exit.
			for {
				select {
				case e := <-l.events:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("audit marshal failed", "action", e.Action, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := lockFile(l.file); err != nil {
		l.logger.Warn("audit lock failed", "error", err)
		return
	}
	defer unlockFile(l.file)
	if _, err := l.file.Write(line); err != nil {
		l.logger.Warn("audit write failed", "error", err)
	}
}

// Record stamps and enqueues an entry. When the buffer is full the entry is
// written synchronously rather than dropped: audit completeness outranks
// latency.
func (l *Logger) Record(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	if e.TS == "" {
		e.TS = l.now().UTC().Format(timestampLayout)
	}
	l.logger.Debug("audit", "action", e.Action, "session_id", e.SessionID)
	select {
	case l.events <- e:
	default:
		l.write(e)
	}
}

// Flush blocks until every queued entry has reached the file.
func (l *Logger) Flush() {
	if l == nil || l.events == nil {
		return
	}
	for {
		select {
		case e := <-l.events:
			l.write(e)
		default:
			return
		}
	}
}

// Close drains the buffer and closes the file. Safe to call once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed || !l.started {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	l.Flush()
	return l.file.Close()
}

// Digest reduces content to a truncated SHA-256 hex digest for audit
// entries. Empty input yields an empty digest.
func Digest(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:digestLength]
}

// ToolExecStart records the first half of a tool execution pair.
func (l *Logger) ToolExecStart(sessionID, tool, callID, input string) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionToolExecStart,
		Details: map[string]any{
			"tool":         tool,
			"call_id":      callID,
			"input_digest": Digest(input),
		},
	})
}

// ToolExecEnd records the second half of a tool execution pair.
func (l *Logger) ToolExecEnd(sessionID, tool, callID, output string, success bool, duration time.Duration) {
	l.Record(Entry{
		SessionID:  sessionID,
		Action:     ActionToolExecEnd,
		DurationMS: duration.Milliseconds(),
		Details: map[string]any{
			"tool":          tool,
			"call_id":       callID,
			"output_digest": Digest(output),
			"success":       success,
		},
	})
}

// UnknownTool records a lookup failure for a tool name.
func (l *Logger) UnknownTool(sessionID, tool string) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionUnknownTool,
		Level:     "warn",
		Details:   map[string]any{"tool": tool},
	})
}

// ToolDenied records a user denial of a confirmation-gated call.
func (l *Logger) ToolDenied(sessionID, tool, callID string) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionToolDenied,
		Details:   map[string]any{"tool": tool, "call_id": callID},
	})
}

// Completion records one provider completion.
func (l *Logger) Completion(sessionID, provider, tier, model, stopReason string, promptTokens, completionTokens int, duration time.Duration) {
	l.Record(Entry{
		SessionID:  sessionID,
		Action:     ActionCompletion,
		DurationMS: duration.Milliseconds(),
		Details: map[string]any{
			"provider":          provider,
			"tier":              tier,
			"model":             model,
			"stop_reason":       stopReason,
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
		},
	})
}

// BudgetDowngrade records a silent cloud-to-local downgrade.
func (l *Logger) BudgetDowngrade(sessionID, fromTier, toTier string) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionBudgetDowngrade,
		Level:     "warn",
		Details:   map[string]any{"from_tier": fromTier, "to_tier": toTier},
	})
}

// Escalation records a quality- or error-driven promotion to a cloud tier.
func (l *Logger) Escalation(sessionID, fromTier, toTier, reason string) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionEscalation,
		Details:   map[string]any{"from_tier": fromTier, "to_tier": toTier, "reason": reason},
	})
}

// Compaction records a completed compaction with the number of messages
// summarized away.
func (l *Logger) Compaction(sessionID string, dropped int) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionCompaction,
		Details:   map[string]any{"dropped": dropped},
	})
}

// FlushInjected records phase one of cooperative compaction.
func (l *Logger) FlushInjected(sessionID string, usagePercent int) {
	l.Record(Entry{
		SessionID: sessionID,
		Action:    ActionFlushInjected,
		Details:   map[string]any{"usage_percent": usagePercent},
	})
}

// ScheduledRun records a scheduler job firing.
func (l *Logger) ScheduledRun(sessionID, job, status string, duration time.Duration) {
	l.Record(Entry{
		SessionID:  sessionID,
		Action:     ActionScheduledRun,
		DurationMS: duration.Milliseconds(),
		Details:    map[string]any{"job": job, "status": status},
	})
}
