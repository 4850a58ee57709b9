// Package window keeps conversations inside the context budget.
//
// Two strategies cooperate. The sliding window is the hard stop: when
// history outgrows the conversation budget it drops the oldest messages
// behind a summary head. Cooperative compaction is the soft path: before
// the window would bite, the model gets one turn to save durable facts to
// long-term memory, then the older prefix is folded into a compacted
// summary.
package window

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/pkg/models"
)

// SummaryPrefix opens the system message that replaces windowed-out
// history.
const SummaryPrefix = "[Conversation summary] "

// suffixShare is the fraction of the conversation budget kept for
// retained messages; the remainder is reserved for the summary head.
const suffixShare = 0.80

// Compressor produces a short summary of older conversation. Implemented
// by TierCompressor; nil is valid everywhere and selects the
// deterministic fallback.
type Compressor interface {
	Summarize(ctx context.Context, msgs []*models.Message, maxTokens int) (string, error)
}

// Window applies the sliding-window strategy.
type Window struct {
	compressor Compressor
	logger     *slog.Logger
}

// NewWindow builds a Window. compressor and logger may be nil.
func NewWindow(compressor Compressor, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{compressor: compressor, logger: logger}
}

// Apply returns messages unchanged while they fit the budget. Once they
// overflow, it keeps the longest suffix fitting 80% of the budget and
// prepends a single system message summarizing what was dropped. Relative
// order of retained messages is preserved.
func (w *Window) Apply(ctx context.Context, msgs []*models.Message, budget int) []*models.Message {
	if budget <= 0 || conversationTokens(msgs) <= budget {
		return msgs
	}

	keepBudget := int(float64(budget) * suffixShare)
	reserve := budget - keepBudget

	suffixStart := len(msgs)
	running := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		est := tokens.Estimate(msgs[i].Content)
		if running+est > keepBudget {
			break
		}
		running += est
		suffixStart = i
	}

	dropped := msgs[:suffixStart]
	kept := msgs[suffixStart:]

	summary := w.summarize(ctx, dropped, reserve)
	head := &models.Message{
		Role:      models.RoleSystem,
		Content:   SummaryPrefix + summary,
		CreatedAt: time.Now().UTC(),
	}

	w.logger.Debug("sliding window applied",
		"dropped", len(dropped), "kept", len(kept), "budget", budget)

	out := make([]*models.Message, 0, len(kept)+1)
	out = append(out, head)
	out = append(out, kept...)
	return out
}

// summarize runs the compressor with the fallback as safety net.
func (w *Window) summarize(ctx context.Context, dropped []*models.Message, maxTokens int) string {
	if w.compressor != nil {
		s, err := w.compressor.Summarize(ctx, dropped, maxTokens)
		if err != nil {
			w.logger.Warn("compressor failed, using fallback summary", "error", err)
		} else if strings.TrimSpace(s) != "" {
			return tokens.TruncateTo(strings.TrimSpace(s), maxTokens)
		}
	}
	return FallbackSummary(dropped, maxTokens)
}

// FallbackSummary is the deterministic no-model summary: the first
// non-empty line of each user message, prefixed "- ", capped to
// maxTokens. Maintenance markers are skipped; they describe the
// machinery, not the conversation.
func FallbackSummary(msgs []*models.Message, maxTokens int) string {
	var lines []string
	for _, m := range msgs {
		if m == nil || m.Role != models.RoleUser {
			continue
		}
		if strings.HasPrefix(m.Content, FlushMarker) {
			continue
		}
		line := firstNonEmptyLine(m.Content)
		if line == "" {
			continue
		}
		lines = append(lines, "- "+line)
	}
	return tokens.TruncateTo(strings.Join(lines, "\n"), maxTokens)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// conversationTokens estimates the token footprint of a message list.
func conversationTokens(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		if m != nil {
			total += tokens.Estimate(m.Content)
		}
	}
	return total
}
