package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entry pairs a definition with its compiled parameter schema. The schema
// is nil when the definition declares no parameters.
type entry struct {
	def    Definition
	schema *jsonschema.Schema
}

// validate checks normalized arguments against the compiled schema. The
// arguments are round-tripped through JSON so typed values (int, custom
// maps) land in the plain shapes the validator expects.
func (e *entry) validate(args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return e.schema.Validate(decoded)
}

// Registry holds the tools exposed to the model. Registration is keyed by
// name; re-registering a name replaces the previous definition.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds or replaces a tool. A declared parameter schema is compiled
// here, once, so Execute never pays compilation cost and a broken schema
// surfaces at startup rather than mid-conversation. A definition that does
// not declare its trust level is treated as untrusted.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if def.Trust == "" {
		def.Trust = TrustUntrusted
	}

	var compiled *jsonschema.Schema
	if def.Parameters != nil {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return fmt.Errorf("encode %s schema: %w", def.Name, err)
		}
		compiled, err = jsonschema.CompileString(def.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile %s schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &entry{def: def, schema: compiled}
	return nil
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return ent.def, true
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns all registered tools sorted by name, the list handed
// to providers when building a request.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, ent := range r.tools {
		defs = append(defs, ent.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresConfirmation reports whether the named tool pauses the turn for
// user confirmation. Unknown names report false; they fail lookup before
// the confirmation gate matters.
func (r *Registry) RequiresConfirmation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.tools[name]
	return ok && ent.def.RequiresConfirmation
}

// TrustLevel returns the named tool's trust level. Unknown names report
// untrusted.
func (r *Registry) TrustLevel(name string) TrustLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.tools[name]
	if !ok {
		return TrustUntrusted
	}
	return ent.def.Trust
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.tools[name]
	return ent, ok
}
