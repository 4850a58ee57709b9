package window

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/valet/internal/routing"
	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/pkg/models"
)

// summarySystem is the fixed system prompt for conversation compression.
const summarySystem = `You compress conversation transcripts. Produce a terse third-person summary of the transcript you are given: key facts, decisions, open tasks, and user preferences. No preamble, no commentary, no markdown headings. Plain sentences or short dashed lines only.`

// SummaryTier is the tier used for compression. Summaries are throwaway
// plumbing; the cheapest model is the right model.
const SummaryTier = "whisper"

// TierCompressor summarizes conversation prefixes by calling the cheap
// tier through the router. Routing applies as usual, so a degenerate
// summary can still be retried upstream and budget gates hold.
type TierCompressor struct {
	router *routing.Router
	tier   string
}

// NewTierCompressor builds a compressor over the router. An empty tier
// selects SummaryTier.
func NewTierCompressor(router *routing.Router, tier string) *TierCompressor {
	if tier == "" {
		tier = SummaryTier
	}
	return &TierCompressor{router: router, tier: tier}
}

// Summarize renders the messages as a transcript, asks the model for a
// summary, and truncates the result to maxTokens. Errors propagate so the
// caller can fall back deterministically.
func (c *TierCompressor) Summarize(ctx context.Context, msgs []*models.Message, maxTokens int) (string, error) {
	transcript := renderTranscript(msgs)
	if transcript == "" {
		return "", nil
	}

	req := &routing.Request{
		Messages: []*models.Message{{
			Role:    models.RoleUser,
			Content: "Summarize this transcript:\n\n" + transcript,
		}},
		System:        summarySystem,
		RequestedTier: c.tier,
	}

	resp, _, err := c.router.Generate(ctx, nil, req)
	if err != nil {
		return "", fmt.Errorf("summarize via %s tier: %w", c.tier, err)
	}
	return tokens.TruncateTo(strings.TrimSpace(resp.Content), maxTokens), nil
}

// renderTranscript flattens messages into role-tagged lines. Maintenance
// markers and empty messages are skipped.
func renderTranscript(msgs []*models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == models.RoleUser && strings.HasPrefix(m.Content, FlushMarker) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}
	return strings.TrimSpace(b.String())
}
