package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/haasonsaas/valet/internal/config"
)

// LevelEnvVar overrides the configured log level when set. It exists so a
// misbehaving daemon can be bounced into debug logging without touching
// the config file.
const LevelEnvVar = "VALET_LOG_LEVEL"

// DefaultRedactPatterns match secrets that must never reach a log line.
// The runtime handles API keys from the environment and arbitrary tool
// output, so redaction runs on every record, not just the obvious ones.
var DefaultRedactPatterns = []string{
	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{16,}`,

	// Bearer tokens and generic token assignments
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,

	// key=value style secrets
	`(?i)(api[_-]?key|apikey|secret|password|passwd)[\s:=]+["']?([^\s"']{8,})["']?`,

	// JWTs
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// sensitiveKeys are attribute keys whose values are redacted wholesale,
// regardless of content.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"x_api_key":     true,
	"authorization": true,
}

// redacted replaces anything a pattern or sensitive key matches.
const redacted = "[REDACTED]"

// NewLogger builds the process logger from cfg. The format selects a JSON
// or text handler, the level comes from cfg unless VALET_LOG_LEVEL is set,
// and every record passes through secret redaction. A nil out writes to
// stderr so stdout stays free for command output.
func NewLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}

	level := ParseLevel(cfg.Level)
	if env := os.Getenv(LevelEnvVar); env != "" {
		level = ParseLevel(env)
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		inner = slog.NewJSONHandler(out, opts)
	} else {
		inner = slog.NewTextHandler(out, opts)
	}

	return slog.New(NewRedactingHandler(inner))
}

// ParseLevel maps a level name to its slog value. Unknown names fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactingHandler wraps another slog.Handler and scrubs secrets from
// messages and string attribute values before they are emitted. Attributes
// whose keys name a credential are redacted outright.
type RedactingHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
}

// NewRedactingHandler wraps inner with the default redaction patterns plus
// any extras. Extra patterns that fail to compile are skipped.
func NewRedactingHandler(inner slog.Handler, extra ...string) *RedactingHandler {
	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(extra))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), extra...) {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	return &RedactingHandler{inner: inner, patterns: patterns}
}

// Enabled reports whether the wrapped handler logs at level.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle scrubs the record and forwards it.
func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, h.redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs scrubs the pre-bound attributes and forwards them.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = h.redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out), patterns: h.patterns}
}

// WithGroup forwards the group to the wrapped handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), patterns: h.patterns}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(a.Key, redacted)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redact(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		out := make([]slog.Attr, len(members))
		for i, m := range members {
			out[i] = h.redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.redact(err.Error()))
		}
		return a
	default:
		return a
	}
}

func (h *RedactingHandler) redact(s string) string {
	for _, re := range h.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
