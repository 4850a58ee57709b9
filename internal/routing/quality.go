package routing

import (
	"strings"

	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// Quality defect classes returned by LowQuality. They double as the
// escalation reason recorded in the audit log.
const (
	QualityEmpty         = "empty"
	QualityTooShort      = "too_short"
	QualityRepetitive    = "repetitive"
	QualityMalformedCall = "malformed_tool_call"
	QualityCutOff        = "cut_off"
)

// minContentLength is the shortest text reply considered a real answer.
const minContentLength = 10

// repetitionWindow is the minimum content length before the repetition
// check applies; short replies repeat words legitimately.
const repetitionWindow = 50

// maxRepetitionRatio is the repeated-word fraction above which a reply is
// considered degenerate looping.
const maxRepetitionRatio = 0.5

// LowQuality inspects a local response and returns the defect class, or ""
// when the response is acceptable. First matching check wins.
//
// Tool-use responses legitimately carry little or no text, so they are
// only checked for malformed arguments; the text checks apply to plain
// completions.
func LowQuality(resp *providers.NormalizedResponse, toolDefs []tools.Definition) string {
	if resp == nil {
		return QualityEmpty
	}

	if resp.FinishReason == providers.FinishToolUse || len(resp.ToolCalls) > 0 {
		if malformedToolCall(resp.ToolCalls, toolDefs) {
			return QualityMalformedCall
		}
		return ""
	}

	content := strings.TrimSpace(resp.Content)

	if content == "" {
		return QualityEmpty
	}
	if len(content) < minContentLength {
		return QualityTooShort
	}
	if len(content) >= repetitionWindow && repetitionRatio(content) > maxRepetitionRatio {
		return QualityRepetitive
	}
	if resp.FinishReason == providers.FinishStop && !terminalEnding(content) {
		return QualityCutOff
	}
	return ""
}

// repetitionRatio returns 1 minus the unique-word ratio. A reply that
// keeps recycling the same few words scores close to 1.
func repetitionRatio(content string) float64 {
	words := strings.Fields(strings.ToLower(content))
	if len(words) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return 1 - float64(len(unique))/float64(len(words))
}

// malformedToolCall reports whether any call arrived with nil or empty
// arguments for a tool whose schema declares required parameters.
func malformedToolCall(calls []models.ToolCall, toolDefs []tools.Definition) bool {
	for _, call := range calls {
		if len(call.Arguments) > 0 {
			continue
		}
		for _, def := range toolDefs {
			if def.Name == call.Name && hasRequiredParams(def) {
				return true
			}
		}
	}
	return false
}

// hasRequiredParams reports whether a tool schema lists required
// properties.
func hasRequiredParams(def tools.Definition) bool {
	switch req := def.Parameters["required"].(type) {
	case []any:
		return len(req) > 0
	case []string:
		return len(req) > 0
	default:
		return false
	}
}

// terminalEnding reports whether text ends at a natural stopping point.
// Sentence punctuation counts, and so do closing brackets, quotes, and
// code fences, since answers routinely end mid-structure rather than
// mid-sentence.
func terminalEnding(content string) bool {
	if strings.HasSuffix(content, "```") {
		return true
	}
	runes := []rune(content)
	last := runes[len(runes)-1]
	switch last {
	case '.', '!', '?', '…', ')', ']', '}', '`', '"', '\'':
		return true
	}
	return false
}
