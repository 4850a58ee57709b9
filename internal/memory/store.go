// Package memory implements the file-backed long-term store: MEMORY.md
// holds curated facts, memory/YYYY-MM-DD.md daily notes collect what the
// model saves as it goes. Everything is plain Markdown in the workspace so
// the user can read and edit it with any editor.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MemoryFile is the curated long-term file at the workspace root.
	MemoryFile = "MEMORY.md"
	// DailyDir holds one note file per day.
	DailyDir = "memory"

	dailyLayout = "2006-01-02"
)

// Match is one search hit.
type Match struct {
	// File is the path relative to the workspace root.
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store reads and appends workspace memory files. Appends are serialized;
// reads tolerate missing files.
type Store struct {
	root   string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore returns a store rooted at the workspace directory.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		root:   root,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records one fact in today's daily note, creating the note (and
// the memory directory) on first use.
func (s *Store) Append(fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}
	// Multi-line facts collapse to one line so each entry stays one
	// searchable line.
	fact = strings.Join(strings.Fields(fact), " ")

	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().Format(dailyLayout)
	dir := filepath.Join(s.root, DailyDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	path := filepath.Join(dir, day+".md")
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open daily note: %w", err)
	}
	defer file.Close()

	var b strings.Builder
	if fresh {
		fmt.Fprintf(&b, "# %s\n\n", day)
	}
	fmt.Fprintf(&b, "- %s\n", fact)
	if _, err := file.WriteString(b.String()); err != nil {
		return fmt.Errorf("append fact: %w", err)
	}
	s.logger.Debug("memory fact saved", "day", day, "bytes", len(fact))
	return nil
}

// ReadAll returns the long-term memory as one document: MEMORY.md first,
// then daily notes newest first, truncated to limit bytes on a line
// boundary. A non-positive limit disables truncation. Missing files read
// as empty.
func (s *Store) ReadAll(limit int) (string, error) {
	var sections []string

	curated, err := readOptional(filepath.Join(s.root, MemoryFile))
	if err != nil {
		return "", err
	}
	if curated != "" {
		sections = append(sections, strings.TrimRight(curated, "\n"))
	}

	days, err := s.dailyFiles()
	if err != nil {
		return "", err
	}
	for _, path := range days {
		content, err := readOptional(path)
		if err != nil {
			return "", err
		}
		if content != "" {
			sections = append(sections, strings.TrimRight(content, "\n"))
		}
	}

	doc := strings.Join(sections, "\n\n")
	if limit > 0 && len(doc) > limit {
		doc = doc[:limit]
		if idx := strings.LastIndexByte(doc, '\n'); idx > 0 {
			doc = doc[:idx]
		}
	}
	return doc, nil
}

// Search scans memory line by line for a case-insensitive substring match,
// MEMORY.md first and then daily notes newest first, returning at most
// limit matches. A non-positive limit means no cap.
func (s *Store) Search(query string, limit int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	needle := strings.ToLower(query)

	paths := []string{filepath.Join(s.root, MemoryFile)}
	days, err := s.dailyFiles()
	if err != nil {
		return nil, err
	}
	paths = append(paths, days...)

	var matches []Match
	for _, path := range paths {
		content, err := readOptional(path)
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			rel = path
		}
		for i, line := range strings.Split(content, "\n") {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			matches = append(matches, Match{File: rel, Line: i + 1, Text: strings.TrimSpace(line)})
			if limit > 0 && len(matches) >= limit {
				return matches, nil
			}
		}
	}
	return matches, nil
}

// dailyFiles lists daily note paths sorted newest first.
func (s *Store) dailyFiles() ([]string, error) {
	dir := filepath.Join(s.root, DailyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Names are ISO dates, so lexical order is date order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}
