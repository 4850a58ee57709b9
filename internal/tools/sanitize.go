package tools

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxSanitizedBytes caps untrusted tool output appended to history.
const DefaultMaxSanitizedBytes = 16 << 10

// instructionMarkers are literal delimiters models treat as instruction
// boundaries. They are escaped wherever they appear in untrusted output so
// embedded text cannot open a fake tool call or system turn.
var instructionMarkers = []string{
	"<tool_call>", "</tool_call>",
	"<function_calls>", "</function_calls>",
	"<function_call>", "</function_call>",
	"<invoke>", "</invoke>",
	"<system>", "</system>",
	"<instruction>", "</instruction>",
	"<|im_start|>", "<|im_end|>",
	"[INST]", "[/INST]",
	"<<SYS>>", "<</SYS>>",
	"<think>", "</think>",
}

// injectionPhrases flag instruction-override phrasing. Matches are logged,
// not removed; stripping prose risks mangling legitimate quotes of it.
var injectionPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions?`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|what)`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt`),
	regexp.MustCompile(`(?i)override\s+(your\s+)?instructions?`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+)?(above|previous)`),
	regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will)`),
}

type marker struct {
	raw     string
	escaped string
}

// Sanitizer neutralizes prompt-injection vectors in tool output before it
// reaches conversation history. Safe for concurrent use; all fields are
// read-only after construction.
type Sanitizer struct {
	markers  []marker
	maxBytes int
	logger   *slog.Logger
}

// NewSanitizer builds a sanitizer with the given output cap in bytes.
// Non-positive caps fall back to DefaultMaxSanitizedBytes.
func NewSanitizer(maxBytes int, logger *slog.Logger) *Sanitizer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSanitizedBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	markers := make([]marker, len(instructionMarkers))
	for i, raw := range instructionMarkers {
		markers[i] = marker{raw: raw, escaped: escapeMarker(raw)}
	}
	return &Sanitizer{markers: markers, maxBytes: maxBytes, logger: logger}
}

// Clean returns content safe to append to history: valid UTF-8, capped at
// the byte limit on a rune boundary, with instruction markers escaped.
// Injection phrasing is logged under the tool name.
func (s *Sanitizer) Clean(tool, content string) string {
	if content == "" {
		return content
	}
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "�")
	}
	if len(content) > s.maxBytes {
		truncated := truncateRuneSafe(content, s.maxBytes)
		s.logger.Warn("tool output truncated",
			"tool", tool,
			"original_bytes", len(content),
			"kept_bytes", len(truncated))
		content = truncated
	}

	// Marker escaping only matters when marker characters are present.
	if strings.ContainsAny(content, "<[") {
		var escaped []string
		for _, m := range s.markers {
			if strings.Contains(content, m.raw) {
				content = strings.ReplaceAll(content, m.raw, m.escaped)
				escaped = append(escaped, m.raw)
			}
		}
		if len(escaped) > 0 {
			s.logger.Warn("instruction markers escaped in tool output",
				"tool", tool,
				"markers", escaped)
		}
	}

	for _, re := range injectionPhrases {
		if re.MatchString(content) {
			s.logger.Warn("possible prompt injection in tool output",
				"tool", tool,
				"pattern", re.String())
		}
	}
	return content
}

// escapeMarker rewrites the characters injection markers are built from:
// angle brackets for XML-style tags, square brackets for [INST]-style tags.
func escapeMarker(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	return s
}

// truncateRuneSafe cuts s to at most maxBytes without splitting a rune.
func truncateRuneSafe(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for i := maxBytes; i > 0; i-- {
		if utf8.RuneStart(s[i]) {
			return s[:i]
		}
	}
	return ""
}
