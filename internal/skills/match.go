package skills

import (
	"sort"
	"strings"
)

const (
	triggerBaseScore = 10
	positionBonusCap = 10
)

// Match returns the skills to inject for a user message, most relevant
// first. Candidates are the auto-activating skills plus those named in
// enabled; a candidate is kept only when at least one of its triggers
// occurs in the message (case-insensitive). Skills whose required tools
// have dropped out of the tool registry are excluded.
func (r *Registry) Match(message string, enabled []string) []*SkillDefinition {
	lowerMsg := strings.ToLower(message)

	enabledSet := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		enabledSet[name] = struct{}{}
	}

	type scored struct {
		def   *SkillDefinition
		score int
	}
	var matched []scored
	for _, def := range r.List() {
		if !def.AutoActivate {
			if _, ok := enabledSet[def.Name]; !ok {
				continue
			}
		}

		score := 0
		for _, trigger := range def.Triggers {
			score += triggerScore(lowerMsg, trigger)
		}
		if score <= 0 {
			continue
		}
		if missing := r.missingTools(def); len(missing) > 0 {
			r.logger.Debug("skill suppressed, required tools missing",
				"skill", def.Name, "missing", missing)
			continue
		}
		matched = append(matched, scored{def: def, score: score})
	}

	// Stable sort keeps the alphabetical List order on score ties.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].score > matched[j].score
	})

	out := make([]*SkillDefinition, len(matched))
	for i, m := range matched {
		out[i] = m.def
	}
	return out
}

// triggerScore rewards longer triggers and matches near the front of
// the message: 10 points base, one per trigger byte, and up to 10 more
// decaying by one per 10 characters of match offset.
func triggerScore(lowerMessage, trigger string) int {
	t := strings.ToLower(strings.TrimSpace(trigger))
	if t == "" {
		return 0
	}
	pos := strings.Index(lowerMessage, t)
	if pos < 0 {
		return 0
	}
	bonus := positionBonusCap - pos/10
	if bonus < 0 {
		bonus = 0
	}
	return triggerBaseScore + len(t) + bonus
}

func (r *Registry) missingTools(def *SkillDefinition) []string {
	if r.tools == nil {
		return nil
	}
	var missing []string
	for _, name := range def.RequiredTools {
		if !r.tools.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}
