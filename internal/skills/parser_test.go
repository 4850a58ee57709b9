package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMarkdownSkill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SkillFilename)
	content := `---
name: code-review
description: Reviews diffs for defects
required_tools:
  - shell_exec
model_preference: coder
auto_activate: true
triggers:
  - review
  - "look at this diff"
---

# Code Review

Focus on correctness first, style second.
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	def, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if def.Name != "code-review" {
		t.Errorf("Name = %q, want code-review", def.Name)
	}
	if def.Description != "Reviews diffs for defects" {
		t.Errorf("Description = %q", def.Description)
	}
	if len(def.RequiredTools) != 1 || def.RequiredTools[0] != "shell_exec" {
		t.Errorf("RequiredTools = %v", def.RequiredTools)
	}
	if def.ModelPreference != "coder" {
		t.Errorf("ModelPreference = %q", def.ModelPreference)
	}
	if !def.AutoActivate {
		t.Error("AutoActivate should be true")
	}
	if len(def.Triggers) != 2 || def.Triggers[1] != "look at this diff" {
		t.Errorf("Triggers = %v", def.Triggers)
	}
	if !strings.Contains(def.Body, "correctness first") {
		t.Errorf("Body = %q, want the markdown content", def.Body)
	}
	if strings.HasPrefix(def.Body, "\n") || strings.HasSuffix(def.Body, "\n") {
		t.Error("Body should be trimmed")
	}
}

func TestParseYAMLSkill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haiku.yaml")
	content := `name: haiku
description: Answers in haiku form
triggers:
  - haiku
body: |
  Respond with a single haiku. Count the syllables.
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	def, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if def.Name != "haiku" || def.AutoActivate {
		t.Errorf("parsed = %+v", def)
	}
	if def.Body != "Respond with a single haiku. Count the syllables." {
		t.Errorf("Body = %q", def.Body)
	}
}

func TestParseMarkdownErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "empty file",
			content: "",
			wantErr: "empty file",
		},
		{
			name:    "no opening delimiter",
			content: "name: x\ndescription: y\n",
			wantErr: "missing opening frontmatter delimiter",
		},
		{
			name:    "unterminated frontmatter",
			content: "---\nname: x\ndescription: y\n",
			wantErr: "missing closing frontmatter delimiter",
		},
		{
			name:    "missing name",
			content: "---\ndescription: y\n---\nbody\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "---\nname: x\n---\nbody\n",
			wantErr: "description is required",
		},
		{
			name:    "uppercase name",
			content: "---\nname: Shouty\ndescription: y\n---\nbody\n",
			wantErr: "lowercase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkdown([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseFileMissing(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "nope", SkillFilename)); err == nil {
		t.Error("expected error for missing file")
	}
}
