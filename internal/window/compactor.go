package window

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/audit"
	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/pkg/models"
)

// FlushMarker opens the phase-one maintenance message. Stripped from
// history during phase two.
const FlushMarker = "[SYSTEM — CONTEXT MAINTENANCE]"

// CompactedPrefix opens the system message that replaces the compacted
// prefix.
const CompactedPrefix = "[Compacted context] "

// flushInstruction is the full phase-one message body.
const flushInstruction = FlushMarker + `
The conversation is approaching its context limit. If it contains durable
facts, decisions, or user preferences worth keeping, save each one now by
calling the memory_save tool. You have exactly one turn to do this; older
messages will be compacted away on the next turn. If nothing needs saving,
reply briefly and continue.`

// DefaultSoftThreshold triggers the flush at 75% of the conversation
// budget.
const DefaultSoftThreshold = 0.75

// DefaultPreservedTurns is how many recent assistant turns survive
// compaction verbatim.
const DefaultPreservedTurns = 3

// CompactorConfig wires one compactor instance. A compactor serves a
// single conversation; the flush flag is conversation state.
type CompactorConfig struct {
	// Enabled gates the whole mechanism; disabled means NeedsCompaction
	// is always false.
	Enabled bool

	// SoftThreshold is the budget fraction at which the flush fires.
	// Zero selects the default.
	SoftThreshold float64

	// PreservedTurns is the number of trailing assistant turns kept
	// verbatim. Zero selects the default.
	PreservedTurns int

	// Budget is the conversation token budget compaction works against.
	Budget int

	// SessionID tags audit entries.
	SessionID string

	Audit  *audit.Logger
	Logger *slog.Logger

	// Now is the clock for synthesized messages. Nil means time.Now.
	Now func() time.Time
}

// Compactor runs the two-phase cooperative compaction protocol for one
// conversation.
type Compactor struct {
	cfg        CompactorConfig
	compressor Compressor

	flushInProgress bool
}

// NewCompactor builds a compactor. compressor may be nil; summaries then
// use the deterministic fallback.
//
// The compactor is not safe for concurrent use. The agent runtime holds
// its per-session lock across every call, which is also what keeps the
// flush flag coherent with the message list.
func NewCompactor(cfg CompactorConfig, compressor Compressor) *Compactor {
	if cfg.SoftThreshold <= 0 || cfg.SoftThreshold > 1 {
		cfg.SoftThreshold = DefaultSoftThreshold
	}
	if cfg.PreservedTurns <= 0 {
		cfg.PreservedTurns = DefaultPreservedTurns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Compactor{cfg: cfg, compressor: compressor}
}

// NeedsCompaction reports whether phase one should fire: the conversation
// has crossed the soft threshold, compaction is enabled, and no flush is
// already in progress.
func (c *Compactor) NeedsCompaction(msgs []*models.Message) bool {
	if !c.cfg.Enabled || c.flushInProgress || c.cfg.Budget <= 0 {
		return false
	}
	return float64(conversationTokens(msgs)) >= c.cfg.SoftThreshold*float64(c.cfg.Budget)
}

// FlushInProgress reports whether phase one has fired and phase two is
// still pending.
func (c *Compactor) FlushInProgress() bool {
	return c.flushInProgress
}

// FlushMessage returns the phase-one maintenance message and marks the
// flush as in progress. The caller appends the message to the
// conversation so the model's next turn can save facts before truncation.
func (c *Compactor) FlushMessage() *models.Message {
	c.flushInProgress = true
	if c.cfg.Audit != nil {
		c.cfg.Audit.FlushInjected(c.cfg.SessionID, c.usagePercent())
	}
	c.cfg.Logger.Info("context flush injected", "session_id", c.cfg.SessionID)
	return &models.Message{
		Role:      models.RoleUser,
		Content:   flushInstruction,
		CreatedAt: c.cfg.Now().UTC(),
	}
}

// usagePercent is a best-effort figure for the audit entry; the flush
// fires at the threshold so the configured fraction is the honest answer.
func (c *Compactor) usagePercent() int {
	return int(c.cfg.SoftThreshold * 100)
}

// Compact runs phase two: fold everything before the last PreservedTurns
// assistant messages into one compacted-context system head, strip
// leftover flush markers from the retained suffix, and clear the flush
// flag. Calling Compact without a pending flush returns msgs unchanged,
// so consecutive calls are harmless.
func (c *Compactor) Compact(ctx context.Context, msgs []*models.Message) []*models.Message {
	if !c.flushInProgress {
		return msgs
	}
	c.flushInProgress = false

	idx := c.splitIndex(msgs)
	if idx <= 0 {
		// Too little history to be worth summarizing. Drop the
		// maintenance chatter and move on.
		return stripFlushMarkers(msgs)
	}

	prefix := msgs[:idx]
	suffix := stripFlushMarkers(msgs[idx:])

	reserve := c.cfg.Budget - int(float64(c.cfg.Budget)*suffixShare)
	summary := c.summarize(ctx, prefix, reserve)
	head := &models.Message{
		Role:      models.RoleSystem,
		Content:   CompactedPrefix + summary,
		CreatedAt: c.cfg.Now().UTC(),
	}

	if c.cfg.Audit != nil {
		c.cfg.Audit.Compaction(c.cfg.SessionID, len(prefix))
	}
	c.cfg.Logger.Info("context compacted",
		"session_id", c.cfg.SessionID, "dropped", len(prefix), "kept", len(suffix))

	out := make([]*models.Message, 0, len(suffix)+1)
	out = append(out, head)
	out = append(out, suffix...)
	return out
}

// splitIndex returns the index of the PreservedTurns-th assistant message
// from the end, the first message of the retained suffix. Returns -1 when
// fewer than PreservedTurns+1 assistant messages exist.
func (c *Compactor) splitIndex(msgs []*models.Message) int {
	assistants := 0
	for _, m := range msgs {
		if m != nil && m.Role == models.RoleAssistant {
			assistants++
		}
	}
	if assistants < c.cfg.PreservedTurns+1 {
		return -1
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil && msgs[i].Role == models.RoleAssistant {
			seen++
			if seen == c.cfg.PreservedTurns {
				return i
			}
		}
	}
	return -1
}

// summarize produces the compacted-context body.
func (c *Compactor) summarize(ctx context.Context, prefix []*models.Message, maxTokens int) string {
	if c.compressor != nil {
		s, err := c.compressor.Summarize(ctx, prefix, maxTokens)
		if err != nil {
			c.cfg.Logger.Warn("compressor failed during compaction, using fallback", "error", err)
		} else if strings.TrimSpace(s) != "" {
			return tokens.TruncateTo(strings.TrimSpace(s), maxTokens)
		}
	}
	return FallbackSummary(prefix, maxTokens)
}

// stripFlushMarkers removes maintenance messages from a message list.
func stripFlushMarkers(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil && m.Role == models.RoleUser && strings.HasPrefix(m.Content, FlushMarker) {
			continue
		}
		out = append(out, m)
	}
	return out
}
