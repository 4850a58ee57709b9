package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedClock(day string) func() time.Time {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func TestAppendCreatesDailyNote(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, WithClock(fixedClock("2026-08-25")))

	if err := store.Append("User prefers espresso over filter coffee"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append("Dentist appointment moved to Friday"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "memory", "2026-08-25.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "# 2026-08-25\n\n- User prefers espresso over filter coffee\n- Dentist appointment moved to Friday\n"
	if string(data) != want {
		t.Errorf("daily note = %q, want %q", data, want)
	}
}

func TestAppendRejectsEmptyFact(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Append("   "); err == nil {
		t.Fatal("expected error for empty fact")
	}
}

func TestAppendCollapsesWhitespace(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, WithClock(fixedClock("2026-08-25")))

	if err := store.Append("line one\nline two\t tabbed"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "memory", "2026-08-25.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "- line one line two tabbed\n") {
		t.Errorf("fact not collapsed: %q", data)
	}
}

func TestReadAllOrdersCuratedThenNewest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte("# Memory\n\n- Lives in Lisbon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2026-08-24.md"), []byte("- older note\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2026-08-25.md"), []byte("- newer note\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(root)
	doc, err := store.ReadAll(0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	lisbon := strings.Index(doc, "Lives in Lisbon")
	newer := strings.Index(doc, "newer note")
	older := strings.Index(doc, "older note")
	if lisbon < 0 || newer < 0 || older < 0 {
		t.Fatalf("missing content in %q", doc)
	}
	if !(lisbon < newer && newer < older) {
		t.Errorf("order wrong: curated=%d newer=%d older=%d", lisbon, newer, older)
	}
}

func TestReadAllTruncatesOnLineBoundary(t *testing.T) {
	root := t.TempDir()
	content := "- first fact here\n- second fact here\n- third fact here\n"
	if err := os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(root)
	doc, err := store.ReadAll(30)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(doc) > 30 {
		t.Errorf("len = %d, want <= 30", len(doc))
	}
	if strings.Contains(doc, "second fact here\n- third") {
		t.Errorf("truncation kept too much: %q", doc)
	}
	if !strings.HasSuffix(doc, "here") {
		t.Errorf("truncation split a line: %q", doc)
	}
}

func TestReadAllEmptyWorkspace(t *testing.T) {
	store := NewStore(t.TempDir())
	doc, err := store.ReadAll(0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if doc != "" {
		t.Errorf("doc = %q, want empty", doc)
	}
}

func TestSearchFindsCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte("- Birthday is March 3rd\n- Prefers tea\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "2026-08-25.md"), []byte("- birthday gift ideas: books\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(root)
	matches, err := store.Search("BIRTHDAY", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(matches), matches)
	}
	if matches[0].File != "MEMORY.md" {
		t.Errorf("first match file = %q", matches[0].File)
	}
	if matches[0].Text != "- Birthday is March 3rd" {
		t.Errorf("first match text = %q", matches[0].Text)
	}
	if matches[1].File != filepath.Join("memory", "2026-08-25.md") {
		t.Errorf("second match file = %q", matches[1].File)
	}
	if matches[1].Line != 1 {
		t.Errorf("second match line = %d", matches[1].Line)
	}
}

func TestSearchHonorsLimit(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("- note about coffee\n")
	}
	if err := os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(root)
	matches, err := store.Search("coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Errorf("got %d matches, want 3", len(matches))
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Search("  ", 5); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchNoMatches(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "MEMORY.md"), []byte("- Prefers tea\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewStore(root)
	matches, err := store.Search("quantum", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}
