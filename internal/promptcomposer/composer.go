package promptcomposer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Composer loads compositions and components from a directory tree
// (<root>/compositions/*.yaml, <root>/components/**/*.md) and renders
// prompts per spec's composition data model. Loaded documents are cached
// in memory and refreshed either explicitly (Reload) or automatically via
// an fsnotify watch, the same split the teacher's FileRegistry makes
// between Reload and Watch.
type Composer struct {
	root   string
	logger *zap.Logger

	mu           sync.RWMutex
	compositions map[string]Composition
	components   map[string]Component // key: source path relative to components/

	cache *renderCache

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Composer rooted at root (expected to contain
// compositions/ and components/ subdirectories) and performs an initial
// load.
func New(root string, logger *zap.Logger) (*Composer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Composer{
		root:         root,
		logger:       logger,
		compositions: make(map[string]Composition),
		components:   make(map[string]Component),
		cache:        newRenderCache(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Composer) compositionsDir() string { return filepath.Join(c.root, "compositions") }
func (c *Composer) componentsDir() string   { return filepath.Join(c.root, "components") }

// Reload walks the composition and component directories and atomically
// replaces the in-memory tables. A missing root directory is not an
// error: the composer simply starts empty (e.g. in tests that exercise
// only in-memory compositions via LoadRaw).
func (c *Composer) Reload() error {
	compositions := make(map[string]Composition)
	if entries, err := os.ReadDir(c.compositionsDir()); err == nil {
		for _, e := range entries {
			if e.IsDir() || !isYAML(e.Name()) {
				continue
			}
			comp, err := loadCompositionFile(filepath.Join(c.compositionsDir(), e.Name()))
			if err != nil {
				return err
			}
			compositions[comp.Name] = comp
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("promptcomposer: read compositions dir: %w", err)
	}

	components := make(map[string]Component)
	_ = filepath.Walk(c.componentsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		rel, relErr := filepath.Rel(c.componentsDir(), path)
		if relErr != nil {
			return nil
		}
		comp, loadErr := loadComponentFile(path)
		if loadErr != nil {
			return loadErr
		}
		components[filepath.ToSlash(rel)] = comp
		return nil
	})

	c.mu.Lock()
	c.compositions = compositions
	c.components = components
	c.mu.Unlock()
	c.cache.Clear()
	return nil
}

// LoadRaw registers a composition directly (bypassing disk), for tests and
// for programmatic composition registration.
func (c *Composer) LoadRaw(comp Composition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compositions[comp.Name] = comp
}

// LoadComponentRaw registers a component body directly at the given
// relative source path, bypassing disk.
func (c *Composer) LoadComponentRaw(source string, comp Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[source] = comp
}

func (c *Composer) loadComposition(name string) (Composition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.compositions[name]
	if !ok {
		return Composition{}, fmt.Errorf("promptcomposer: composition %q not found", name)
	}
	return comp, nil
}

func (c *Composer) loadComponent(source string) (Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[source]
	if !ok {
		return Component{}, fmt.Errorf("promptcomposer: component %q not found", source)
	}
	return comp, nil
}

// GetComposition returns the raw, unresolved composition document named
// name.
func (c *Composer) GetComposition(name string) (Composition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.compositions[name]
	return comp, ok
}

// ListCompositions returns every known composition name, sorted.
func (c *Composer) ListCompositions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.compositions))
	for n := range c.compositions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListComponents returns every known component's relative source path,
// sorted.
func (c *Composer) ListComponents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// checkRequiredContext reports an Issue for every required_context key
// that is neither supplied in ctx nor backed by a default.
func checkRequiredContext(comp Composition, ctx map[string]any) []Issue {
	var issues []Issue
	for key, req := range comp.RequiredContext {
		if _, ok := lookupPath(ctx, key); ok {
			continue
		}
		if req.HasDefault {
			continue
		}
		issues = append(issues, Issue{
			Code:    "CONTEXT_VALIDATION_ERROR",
			Message: fmt.Sprintf("missing required context key %q", key),
		})
	}
	return issues
}

// applyDefaults fills ctx with required_context defaults for keys the
// caller didn't supply, without mutating the caller's map.
func applyDefaults(comp Composition, ctx map[string]any) map[string]any {
	merged := make(map[string]any, len(ctx)+len(comp.RequiredContext))
	for k, v := range ctx {
		merged[k] = v
	}
	for key, req := range comp.RequiredContext {
		if _, ok := merged[key]; !ok && req.HasDefault {
			merged[key] = req.Default
		}
	}
	return merged
}

// Validate resolves name against ctx and reports structural problems
// (cycles, missing required context) without rendering any component
// body.
func (c *Composer) Validate(name string, ctx map[string]any) ValidationResult {
	resolved, err := c.resolve(name, ctx, nil)
	if err != nil {
		if cycleErr, ok := err.(*CycleError); ok {
			return ValidationResult{Valid: false, Issues: []Issue{{
				Code:    "COMPOSITION_CYCLE",
				Message: cycleErr.Error(),
			}}}
		}
		return ValidationResult{Valid: false, Issues: []Issue{{Code: "COMPOSITION_INVALID", Message: err.Error()}}}
	}
	issues := checkRequiredContext(resolved, applyDefaults(resolved, ctx))
	for _, ref := range resolved.Components {
		if _, err := c.loadComponent(ref.Source); err != nil {
			issues = append(issues, Issue{Code: "COMPONENT_NOT_FOUND", Message: err.Error()})
		}
	}
	return ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// Compose renders name against ctx: resolves extends/mixins/conditions,
// validates required_context, then renders every surviving component in
// order and concatenates them with a blank line, per the component list's
// declared order.
func (c *Composer) Compose(name string, ctx map[string]any) (ComposeResult, error) {
	resolved, err := c.resolve(name, ctx, nil)
	if err != nil {
		return ComposeResult{}, err
	}

	fullCtx := applyDefaults(resolved, ctx)
	if issues := checkRequiredContext(resolved, fullCtx); len(issues) > 0 {
		return ComposeResult{}, &ContextError{Issues: issues}
	}

	var warnings []string
	var parts []string
	for _, ref := range resolved.Components {
		if ref.Condition != "" && !evalCondition(ref.Condition, fullCtx) {
			continue
		}
		rendered, warn, err := c.renderComponent(ref, resolved.Vars, fullCtx)
		if err != nil {
			return ComposeResult{}, err
		}
		if warn != "" {
			warnings = append(warnings, warn)
		}
		parts = append(parts, rendered)
	}

	return ComposeResult{
		Prompt:   strings.Join(parts, "\n\n"),
		Warnings: warnings,
		Metadata: resolved.Metadata,
	}, nil
}

// renderComponent merges the component's own frontmatter vars with the
// composition-level and per-ref vars (ref wins over composition wins over
// component default), checks the render cache, and substitutes.
func (c *Composer) renderComponent(ref ComponentRef, compositionVars map[string]any, callerCtx map[string]any) (string, string, error) {
	comp, err := c.loadComponent(ref.Source)
	if err != nil {
		return "", "", err
	}

	scope := deepMergeMaps(comp.Vars, compositionVars)
	scope = deepMergeMaps(scope, ref.Vars)

	if cached, ok := c.cache.get(comp.Name, mergeForCacheKey(scope, callerCtx)); ok {
		return cached, "", nil
	}

	rendered, err := substitute(comp.Body, scope, callerCtx)
	if err != nil {
		if resolveErr, ok := err.(*ResolveError); ok {
			return "", "", fmt.Errorf("promptcomposer: component %q: %w", ref.Name, resolveErr)
		}
		return "", "", err
	}
	c.cache.put(comp.Name, mergeForCacheKey(scope, callerCtx), rendered)
	return rendered, "", nil
}

func mergeForCacheKey(scope, callerCtx map[string]any) map[string]any {
	out := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		out[k] = v
	}
	out["_ksi_context"] = callerCtx
	return out
}

// ContextError is returned by Compose when required_context validation
// fails.
type ContextError struct {
	Issues []Issue
}

func (e *ContextError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return "promptcomposer: " + strings.Join(msgs, "; ")
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Watch starts an fsnotify watch over the composer's root directory and
// triggers Reload on every write/create/remove/rename, logging (but not
// failing the daemon on) reload errors. It returns immediately; the
// watch goroutine exits when ctx is cancelled or Close is called.
// Grounded on the teacher's FileRegistry.Watch (pkg/prompts/file_registry.go).
func (c *Composer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("promptcomposer: create watcher: %w", err)
	}
	if err := addRecursive(watcher, c.root); err != nil {
		watcher.Close()
		return err
	}
	c.watcher = watcher
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					c.logger.Warn("promptcomposer: reload after fs event failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("promptcomposer: watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if one is running.
func (c *Composer) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
