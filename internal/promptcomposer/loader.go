package promptcomposer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterDelim is the Markdown frontmatter fence, matching the
// convention the teacher's file_registry.go uses for its own YAML-fenced
// prompt files.
const frontmatterDelim = "---"

// loadCompositionFile parses one prompts/compositions/<name>.yaml document.
func loadCompositionFile(path string) (Composition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Composition{}, fmt.Errorf("promptcomposer: read composition %s: %w", path, err)
	}
	var c Composition
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Composition{}, fmt.Errorf("promptcomposer: parse composition %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return c, nil
}

// loadComponentFile parses one Markdown component: an optional
// "---\n...\n---\n" YAML frontmatter block (vars:) followed by the body
// template.
func loadComponentFile(path string) (Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Component{}, fmt.Errorf("promptcomposer: read component %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	text := string(data)

	if !strings.HasPrefix(text, frontmatterDelim) {
		return Component{Name: name, Body: text}, nil
	}

	rest := text[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end == -1 {
		return Component{Name: name, Body: text}, nil
	}
	fm := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n"+frontmatterDelim):], "\n")

	var front struct {
		Vars map[string]any `yaml:"vars"`
	}
	if err := yaml.Unmarshal([]byte(fm), &front); err != nil {
		return Component{}, fmt.Errorf("promptcomposer: parse frontmatter in %s: %w", path, err)
	}
	return Component{Name: name, Vars: front.Vars, Body: body}, nil
}
