package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// ToolChecker reports whether a tool name is registered. A nil checker
// disables the required-tools gate.
type ToolChecker interface {
	Has(name string) bool
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithDebounce sets how long the watcher coalesces change events before
// reloading.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// Registry holds the loaded skill set and serves lookups and trigger
// matching. Load replaces the whole set atomically, so readers observe
// either the previous roster or the new one, never a mix.
type Registry struct {
	dir      string
	tools    ToolChecker
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.RWMutex
	defs map[string]*SkillDefinition

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewRegistry creates a registry over a skills directory. The directory
// may hold flat .yaml/.md files or per-skill subdirectories containing
// SKILL.md.
func NewRegistry(dir string, tools ToolChecker, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		dir:      dir,
		tools:    tools,
		logger:   logger.With("component", "skills"),
		debounce: defaultWatchDebounce,
		defs:     make(map[string]*SkillDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load scans the skills directory and replaces the loaded set. A
// missing directory yields an empty set. Malformed files and skills
// with unregistered required tools are skipped with a warning rather
// than failing the load.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.scan(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()

	r.logger.Info("skills loaded", "count", len(defs), "dir", r.dir)
	return nil
}

func (r *Registry) scan(ctx context.Context) (map[string]*SkillDefinition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("skills directory missing", "dir", r.dir)
			return map[string]*SkillDefinition{}, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	// ReadDir sorts entries, so duplicate resolution is deterministic.
	defs := make(map[string]*SkillDefinition)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		path := filepath.Join(r.dir, entry.Name())
		if entry.IsDir() {
			path = filepath.Join(path, SkillFilename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
		} else if !isSkillFile(entry.Name()) {
			continue
		}

		def, err := ParseFile(path)
		if err != nil {
			r.logger.Warn("skipping malformed skill file", "path", path, "error", err)
			continue
		}
		if missing := r.missingTools(def); len(missing) > 0 {
			r.logger.Warn("skipping skill with unregistered tools",
				"skill", def.Name, "missing", missing)
			continue
		}
		if _, dup := defs[def.Name]; dup {
			r.logger.Warn("duplicate skill name, keeping first", "skill", def.Name, "path", path)
			continue
		}
		defs[def.Name] = def
	}
	return defs, nil
}

func isSkillFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".md":
		return true
	}
	return false
}

// Get returns a loaded skill by name.
func (r *Registry) Get(name string) (*SkillDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all loaded skills sorted by name.
func (r *Registry) List() []*SkillDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SkillDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TierHints returns the skill-to-tier preferences declared in skill
// files, merged under the router's configured skill mappings at boot.
func (r *Registry) TierHints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hints := make(map[string]string)
	for name, def := range r.defs {
		if def.ModelPreference != "" {
			hints[name] = def.ModelPreference
		}
	}
	return hints
}

// Watch starts hot reloading: changes under the skills directory
// trigger a debounced re-scan. Close stops the watcher.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	// SKILL.md files live one level down.
	if entries, err := os.ReadDir(r.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(r.dir, entry.Name()))
			}
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.watcher = watcher
	r.watchCancel = cancel
	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if err := r.Load(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("skill reload failed", "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("skills watch error", "error", err)
		}
	}
}

// Close stops the file watcher if one is running. The loaded skill set
// stays available.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	watcher := r.watcher
	cancel := r.watchCancel
	r.watcher = nil
	r.watchCancel = nil
	r.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}
