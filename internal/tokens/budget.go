package tokens

import (
	"fmt"
	"math"
)

// Section names a bucket of the context window.
type Section string

const (
	SectionSystemPrompt Section = "system_prompt"
	SectionSkills       Section = "skills"
	SectionMemory       Section = "memory"
	SectionConversation Section = "conversation"
	SectionReserve      Section = "reserve"
)

// percentageTolerance bounds how far the section percentages may drift from
// summing to exactly 1.0.
const percentageTolerance = 0.001

// DefaultPercentages returns the standard apportionment of the context
// window across sections.
func DefaultPercentages() map[Section]float64 {
	return map[Section]float64{
		SectionSystemPrompt: 0.30,
		SectionSkills:       0.10,
		SectionMemory:       0.15,
		SectionConversation: 0.40,
		SectionReserve:      0.05,
	}
}

// Budget apportions a model's context window across fixed sections.
type Budget struct {
	ContextWindow int
	percentages   map[Section]float64
}

// NewBudget builds a budget over contextWindow tokens. A nil percentages map
// selects the defaults. The percentages must cover only known sections and
// sum to 1.0 within tolerance.
func NewBudget(contextWindow int, percentages map[Section]float64) (*Budget, error) {
	if contextWindow <= 0 {
		return nil, fmt.Errorf("context window must be positive, got %d", contextWindow)
	}
	if percentages == nil {
		percentages = DefaultPercentages()
	}
	known := DefaultPercentages()
	sum := 0.0
	for section, pct := range percentages {
		if _, ok := known[section]; !ok {
			return nil, fmt.Errorf("unknown section: %s", section)
		}
		if pct < 0 {
			return nil, fmt.Errorf("section %s has negative percentage %v", section, pct)
		}
		sum += pct
	}
	if math.Abs(sum-1.0) > percentageTolerance {
		return nil, fmt.Errorf("section percentages sum to %v, want 1.0", sum)
	}
	copied := make(map[Section]float64, len(percentages))
	for k, v := range percentages {
		copied[k] = v
	}
	return &Budget{ContextWindow: contextWindow, percentages: copied}, nil
}

// MustBudget is NewBudget for static defaults; it panics on error and is
// intended for package-level defaults and tests.
func MustBudget(contextWindow int, percentages map[Section]float64) *Budget {
	b, err := NewBudget(contextWindow, percentages)
	if err != nil {
		panic(err)
	}
	return b
}

// TokensFor returns floor(contextWindow * percentage[section]). Sections
// outside the enumeration fail with an unknown-section error.
func (b *Budget) TokensFor(section Section) (int, error) {
	pct, ok := b.percentages[section]
	if !ok {
		return 0, fmt.Errorf("unknown section: %s", section)
	}
	return int(math.Floor(float64(b.ContextWindow) * pct)), nil
}

// Conversation returns the conversation-section budget, the value the
// window and compactor operate against.
func (b *Budget) Conversation() int {
	n, _ := b.TokensFor(SectionConversation)
	return n
}
