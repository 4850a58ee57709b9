package agent

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/memory"
	"github.com/haasonsaas/valet/internal/skills"
	"github.com/haasonsaas/valet/internal/tokens"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/workspace"
	"github.com/haasonsaas/valet/pkg/models"
)

// memorySearchLimit caps memory_context snippets per prompt.
const memorySearchLimit = 5

// MemoryReader is the slice of the long-term memory store the prompt
// builder needs. Nil disables both memory sections.
type MemoryReader interface {
	ReadAll(limit int) (string, error)
	Search(query string, limit int) ([]memory.Match, error)
}

// PromptBuilderConfig wires the prompt builder's inputs.
type PromptBuilderConfig struct {
	Workspace workspace.Files
	Memory    MemoryReader
	Tools     *tools.Registry
	Budget    *tokens.Budget
	Logger    *slog.Logger

	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// PromptBuilder assembles the system prompt: XML-tagged sections in a
// stable order, each truncated to its token budget, empty sections
// omitted.
type PromptBuilder struct {
	files    workspace.Files
	memory   MemoryReader
	registry *tools.Registry
	budget   *tokens.Budget
	logger   *slog.Logger
	now      func() time.Time
}

// NewPromptBuilder builds a PromptBuilder from cfg.
func NewPromptBuilder(cfg PromptBuilderConfig) *PromptBuilder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &PromptBuilder{
		files:    cfg.Workspace,
		memory:   cfg.Memory,
		registry: cfg.Tools,
		budget:   cfg.Budget,
		logger:   logger.With("component", "prompt"),
		now:      now,
	}
}

// Build assembles the system prompt for one turn. Section order is fixed:
// soul, operating_instructions, user_context, long_term_memory,
// memory_context, available_tools, active_skills, system_info.
//
// Long-term memory is injected only for interactive, private, or untagged
// sessions; group and scheduled sessions never see it.
func (b *PromptBuilder) Build(session *models.Session, agent *Definition, matched []*skills.SkillDefinition, userMessage string) string {
	system := newPool(b.tokensFor(tokens.SectionSystemPrompt))
	mem := newPool(b.tokensFor(tokens.SectionMemory))

	var sections []string
	add := func(tag, body string) {
		if wrapped := wrapSection(tag, body); wrapped != "" {
			sections = append(sections, wrapped)
		}
	}

	add("soul", system.take(joinParts(agent.Persona, b.files.Soul)))
	add("operating_instructions", system.take(joinParts(b.files.Instructions, agent.ToolPolicy)))
	add("user_context", system.take(b.files.User))

	if b.memory != nil {
		if includeLongTermMemory(session) {
			add("long_term_memory", mem.take(b.readMemory(mem.remaining)))
		}
		add("memory_context", mem.take(b.searchMemory(userMessage)))
	}

	add("available_tools", system.take(b.renderTools(agent)))
	add("active_skills", b.renderSkills(matched))
	add("system_info", system.take(b.systemInfo(agent)))

	return strings.Join(sections, "\n\n")
}

func (b *PromptBuilder) tokensFor(section tokens.Section) int {
	if b.budget == nil {
		return 0
	}
	n, err := b.budget.TokensFor(section)
	if err != nil {
		return 0
	}
	return n
}

// readMemory over-fetches by bytes (the store cuts on line boundaries)
// and leaves the exact cut to the token pool.
func (b *PromptBuilder) readMemory(tokenAllowance int) string {
	limit := tokenAllowance * 6
	if limit <= 0 {
		return ""
	}
	text, err := b.memory.ReadAll(limit)
	if err != nil {
		b.logger.Warn("long-term memory read failed", "error", err)
		return ""
	}
	return text
}

func (b *PromptBuilder) searchMemory(userMessage string) string {
	if strings.TrimSpace(userMessage) == "" {
		return ""
	}
	matches, err := b.memory.Search(userMessage, memorySearchLimit)
	if err != nil {
		b.logger.Warn("memory search failed", "error", err)
		return ""
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("- [%s:%d] %s", m.File, m.Line, m.Text))
	}
	return strings.Join(lines, "\n")
}

func (b *PromptBuilder) renderTools(agent *Definition) string {
	if b.registry == nil {
		return ""
	}
	var lines []string
	for _, def := range b.registry.Definitions() {
		if !agent.AllowsTool(def.Name) {
			continue
		}
		line := fmt.Sprintf("- %s: %s", def.Name, def.Description)
		if def.RequiresConfirmation {
			line += " (requires confirmation)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// renderSkills fits whole skills into the skills budget in match order;
// a skill that does not fit is dropped along with everything after it,
// keeping each skill block intact.
func (b *PromptBuilder) renderSkills(matched []*skills.SkillDefinition) string {
	if len(matched) == 0 {
		return ""
	}
	remaining := b.tokensFor(tokens.SectionSkills)
	var parts []string
	for _, sk := range matched {
		block := fmt.Sprintf("<skill name=\"%s\" description=\"%s\">\n%s\n</skill>", sk.Name, sk.Description, sk.Body)
		cost := tokens.Estimate(block)
		if cost > remaining {
			break
		}
		remaining -= cost
		parts = append(parts, block)
	}
	return strings.Join(parts, "\n")
}

func (b *PromptBuilder) systemInfo(agent *Definition) string {
	return fmt.Sprintf("Current time: %s\nPlatform: %s/%s\nActive agent: %s",
		b.now().Format(time.RFC3339), runtime.GOOS, runtime.GOARCH, agent.Name)
}

// includeLongTermMemory gates MEMORY.md injection by session source.
func includeLongTermMemory(session *models.Session) bool {
	if session == nil {
		return true
	}
	switch session.Source {
	case models.SourceInteractive, models.SourcePrivate, "":
		return true
	default:
		return false
	}
}

// pool is a sequentially shared token allowance. Sections drawing from
// the same pool consume it in document order.
type pool struct {
	remaining int
}

func newPool(n int) *pool { return &pool{remaining: n} }

// take fits text into the remaining allowance, truncating when it is the
// section that exhausts the pool.
func (p *pool) take(text string) string {
	if strings.TrimSpace(text) == "" || p.remaining <= 0 {
		return ""
	}
	cost := tokens.Estimate(text)
	if cost <= p.remaining {
		p.remaining -= cost
		return text
	}
	out := tokens.TruncateTo(text, p.remaining)
	p.remaining = 0
	return out
}

func wrapSection(tag, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "<" + tag + ">\n" + body + "\n</" + tag + ">"
}

func joinParts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, "\n\n")
}
