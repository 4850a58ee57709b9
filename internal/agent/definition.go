package agent

import (
	"strings"

	"github.com/haasonsaas/valet/internal/config"
)

// Definition is a loaded agent: a persona the model speaks as, the tools
// it may reach, and the routing hints the dispatcher scores against.
// Definitions are immutable after load.
type Definition struct {
	Name    string
	Persona string

	// ToolPolicy is free-form guidance injected into the operating
	// instructions ("never run shell commands without asking").
	ToolPolicy string

	// AllowedTools restricts the agent to the named tools. Empty means
	// every registered tool.
	AllowedTools []string

	// ModelPreference is local, cloud, or auto.
	ModelPreference string

	// Keywords are the dispatcher's classification vocabulary.
	Keywords []string
}

// FromConfig builds the agent roster in declaration order.
func FromConfig(cfgs []config.AgentConfig) []*Definition {
	defs := make([]*Definition, 0, len(cfgs))
	for _, c := range cfgs {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		defs = append(defs, &Definition{
			Name:            strings.TrimSpace(c.Name),
			Persona:         c.Persona,
			ToolPolicy:      c.ToolPolicy,
			AllowedTools:    append([]string(nil), c.AllowedTools...),
			ModelPreference: c.ModelPreference,
			Keywords:        append([]string(nil), c.Keywords...),
		})
	}
	return defs
}

// AllowsTool reports whether the agent may invoke the named tool. An
// empty allow-list permits everything.
func (d *Definition) AllowsTool(name string) bool {
	if len(d.AllowedTools) == 0 {
		return true
	}
	for _, t := range d.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}
