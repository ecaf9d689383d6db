// Package promptcomposer implements the prompt composition engine:
// recursive composition extends/mixins resolution, component rendering
// with variable substitution, cycle detection and a resolved-context
// cache, grounded on the teacher's prompts.FileRegistry (YAML frontmatter,
// fsnotify-based reload) but restructured around spec's composition
// data model instead of the teacher's flat key/variant prompt store.
package promptcomposer

import "gopkg.in/yaml.v3"

// RequiredVar describes one entry in a composition's required_context: a
// variable that must be supplied by the caller unless Default is present.
// UnmarshalYAML tracks whether a "default" key was present at all (as
// opposed to present-but-null), since required_context: {key: {}} and
// required_context: {key: {default: null}} mean different things.
type RequiredVar struct {
	HasDefault bool `yaml:"-" json:"-"`
	Default    any  `yaml:"default" json:"default,omitempty"`
}

func (r *RequiredVar) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if d, present := raw["default"]; present {
		r.HasDefault = true
		r.Default = d
	}
	return nil
}

// ComponentRef is one entry in a composition's components list: a
// reference to a Markdown component file plus composition-level variable
// overrides and an optional render condition.
type ComponentRef struct {
	Name      string         `yaml:"name" json:"name"`
	Source    string         `yaml:"source" json:"source"`
	Vars      map[string]any `yaml:"vars" json:"vars,omitempty"`
	Condition string         `yaml:"condition" json:"condition,omitempty"`
}

// ConditionalMixin appends Mixins to the composition's mixin list when
// Condition evaluates true against the render context.
type ConditionalMixin struct {
	Condition string   `yaml:"condition" json:"condition"`
	Mixins    []string `yaml:"mixins" json:"mixins"`
}

// Composition is one loaded composition document, as described by spec's
// data model: a named recipe combining components with variables, mixins
// and conditions. Extends names a single parent composition (override
// semantics); Mixins names additional compositions merged additively.
type Composition struct {
	Name            string                 `yaml:"name" json:"name"`
	Version         string                 `yaml:"version" json:"version,omitempty"`
	Description     string                 `yaml:"description" json:"description,omitempty"`
	Author          string                 `yaml:"author" json:"author,omitempty"`
	Components      []ComponentRef         `yaml:"components" json:"components,omitempty"`
	Extends         string                 `yaml:"extends" json:"extends,omitempty"`
	Mixins          []string               `yaml:"mixins" json:"mixins,omitempty"`
	Conditions      []ConditionalMixin     `yaml:"conditions" json:"conditions,omitempty"`
	RequiredContext map[string]RequiredVar `yaml:"required_context" json:"required_context,omitempty"`
	Vars            map[string]any         `yaml:"vars" json:"vars,omitempty"`
	Metadata        map[string]any         `yaml:"metadata" json:"metadata,omitempty"`
}

// Component is one loaded Markdown component: a body template plus
// frontmatter-supplied default variables.
type Component struct {
	Name string
	Vars map[string]any
	Body string
}

// Issue names one problem found while validating or composing, e.g. a
// cycle member or a missing required-context key.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of VALIDATE_COMPOSITION.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// ComposeResult is the outcome of COMPOSE_PROMPT.
type ComposeResult struct {
	Prompt   string         `json:"prompt"`
	Warnings []string       `json:"warnings"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
