// Package skills loads skill definitions from disk and matches them
// against user messages so the prompt builder can inject relevant
// expertise into a turn.
package skills

import "fmt"

// SkillDefinition is one unit of injectable expertise. Definitions are
// read-only after loading; the registry replaces the whole set on
// reload rather than mutating entries in place.
type SkillDefinition struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `yaml:"name" json:"name"`

	// Description explains what the skill does and when to use it.
	Description string `yaml:"description" json:"description"`

	// RequiredTools lists tool names the skill depends on. A skill
	// whose tools are not registered does not load.
	RequiredTools []string `yaml:"required_tools" json:"required_tools,omitempty"`

	// ModelPreference optionally names the tier this skill should run
	// on, consulted by the router's skill-to-tier mapping.
	ModelPreference string `yaml:"model_preference" json:"model_preference,omitempty"`

	// AutoActivate makes the skill a match candidate on every message
	// without the session opting in.
	AutoActivate bool `yaml:"auto_activate" json:"auto_activate"`

	// Triggers are substrings whose presence in a user message scores
	// the skill for injection.
	Triggers []string `yaml:"triggers" json:"triggers,omitempty"`

	// Body is the instruction text injected into the prompt. In
	// markdown skill files it is the content below the frontmatter.
	Body string `yaml:"body" json:"-"`
}

// Validate checks the fields every skill must carry.
func (d *SkillDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range d.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", d.Name)
		}
	}
	if d.Description == "" {
		return fmt.Errorf("skill %s: description is required", d.Name)
	}
	return nil
}
