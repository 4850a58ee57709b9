package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the definition file looked for inside a skill
	// directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// ParseFile reads a single skill definition from disk. Markdown files
// carry YAML frontmatter with the markdown body as the skill text;
// .yaml/.yml files are unmarshalled whole, with the body in a `body`
// key.
func ParseFile(path string) (*SkillDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseMarkdown(data)
	}
}

// ParseYAML decodes a whole-file YAML skill definition.
func ParseYAML(data []byte) (*SkillDefinition, error) {
	var def SkillDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse skill yaml: %w", err)
	}
	def.Body = strings.TrimSpace(def.Body)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseMarkdown decodes a SKILL.md-style document: YAML frontmatter
// between --- delimiters, then the markdown body.
func ParseMarkdown(data []byte) (*SkillDefinition, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}
	var def SkillDefinition
	if err := yaml.Unmarshal(front, &def); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	def.Body = strings.TrimSpace(string(body))
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
