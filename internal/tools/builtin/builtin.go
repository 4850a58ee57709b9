// Package builtin holds the tools every deployment starts with: echo,
// current_time, the memory pair, and the confirmation-gated shell.
package builtin

import (
	"fmt"
	"time"

	"github.com/haasonsaas/valet/internal/memory"
	"github.com/haasonsaas/valet/internal/tools"
)

// Deps carries what the builtins need from the host. Memory is required
// for the memory pair; Sandbox and Now fall back to the local runner and
// the wall clock.
type Deps struct {
	Memory  *memory.Store
	Sandbox Sandbox
	Now     func() time.Time
}

// RegisterAll registers the builtin set on the registry.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	if deps.Memory == nil {
		return fmt.Errorf("builtin: memory store is required")
	}

	defs := []tools.Definition{
		Echo(),
		CurrentTime(deps.Now),
		MemorySave(deps.Memory),
		MemorySearch(deps.Memory),
		Shell(deps.Sandbox),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}
