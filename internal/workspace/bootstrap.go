package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapFile is one file to seed into a fresh workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult reports which files were written and which already
// existed.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

// DefaultBootstrapFiles returns the starter documents for a new
// workspace. Existing files are never overwritten by Ensure.
func DefaultBootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{
			Name: SoulFile,
			Content: "# soul.md - Persona & Boundaries\n\n" +
				"- Tone: concise, direct, and friendly.\n" +
				"- Ask clarifying questions when requirements are unclear.\n" +
				"- Prefer the cheapest model that can do the job.\n",
		},
		{
			Name: InstructionsFile,
			Content: "# instructions.md - Operating Instructions\n\n" +
				"- Be concise in chat; put longer output in files.\n" +
				"- Save durable facts with memory_save so they survive the session.\n" +
				"- Avoid destructive actions unless explicitly requested.\n",
		},
		{
			Name: UserFile,
			Content: "# user.md - User Profile\n\n" +
				"- Name:\n" +
				"- Preferred address:\n" +
				"- Timezone:\n" +
				"- Notes:\n",
		},
		{
			Name: "HEARTBEAT.md",
			Content: "# HEARTBEAT.md\n\n" +
				"- Only report items that are new or changed.\n" +
				"- If nothing needs attention, reply HEARTBEAT_OK.\n",
		},
		{
			Name: "MEMORY.md",
			Content: "# MEMORY.md - Long-Term Memory\n\n" +
				"Capture durable facts, preferences, and decisions here.\n",
		},
	}
}

// Ensure creates root and seeds any missing bootstrap files. Files that
// already exist are left alone and reported as skipped.
func Ensure(root string, files []BootstrapFile) (BootstrapResult, error) {
	var result BootstrapResult
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return result, fmt.Errorf("create workspace dir: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			continue
		}
		path := filepath.Join(base, name)
		if _, err := os.Stat(path); err == nil {
			result.Skipped = append(result.Skipped, path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}

	return result, nil
}
