// Package workspace reads the markdown files that shape the assistant:
// persona, operating instructions, and the user profile.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// SoulFile carries the persona and boundaries.
	SoulFile = "soul.md"
	// InstructionsFile carries standing operating instructions.
	InstructionsFile = "instructions.md"
	// UserFile describes who the assistant is talking to.
	UserFile = "user.md"
)

// Files holds the loaded workspace documents. A missing file loads as
// an empty string; the prompt builder omits empty sections.
type Files struct {
	Soul         string
	Instructions string
	User         string
}

// Load reads the workspace documents under root. Only genuine read
// failures error; absent files are normal on a fresh workspace.
func Load(root string) (Files, error) {
	if root == "" {
		root = "."
	}

	var files Files
	var err error
	if files.Soul, err = readOptional(filepath.Join(root, SoulFile)); err != nil {
		return Files{}, err
	}
	if files.Instructions, err = readOptional(filepath.Join(root, InstructionsFile)); err != nil {
		return Files{}, err
	}
	if files.User, err = readOptional(filepath.Join(root, UserFile)); err != nil {
		return Files{}, err
	}
	return files, nil
}

// Empty reports whether no workspace document had content.
func (f Files) Empty() bool {
	return f.Soul == "" && f.Instructions == "" && f.User == ""
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
