package promptcomposer

import (
	"fmt"
	"strings"
)

// CycleError names every composition name participating in an
// extends/mixins cycle, in encounter order.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("promptcomposer: cycle detected: %s", strings.Join(e.Chain, " -> "))
}

// resolve recursively resolves name's extends parent (override semantics)
// and declared/conditional mixins (additive semantics) into one flattened
// Composition ready for rendering. stack is the chain of composition names
// currently being resolved, used for cycle detection; it is never shared
// across sibling branches (passed by value, since multiple mixins of the
// same ancestor are not a cycle, only a repeated visit along one branch).
func (c *Composer) resolve(name string, ctx map[string]any, stack []string) (Composition, error) {
	for _, ancestor := range stack {
		if ancestor == name {
			return Composition{}, &CycleError{Chain: append(append([]string{}, stack...), name)}
		}
	}
	stack = append(append([]string{}, stack...), name)

	comp, err := c.loadComposition(name)
	if err != nil {
		return Composition{}, err
	}

	result := comp
	if comp.Extends != "" {
		parent, err := c.resolve(comp.Extends, ctx, stack)
		if err != nil {
			return Composition{}, err
		}
		result = mergeOverride(parent, comp)
	}

	for _, mixinName := range result.Mixins {
		mixin, err := c.resolve(mixinName, ctx, stack)
		if err != nil {
			return Composition{}, err
		}
		result = mergeAdditive(result, mixin)
	}

	for _, cond := range result.Conditions {
		if evalCondition(cond.Condition, ctx) {
			for _, mixinName := range cond.Mixins {
				mixin, err := c.resolve(mixinName, ctx, stack)
				if err != nil {
					return Composition{}, err
				}
				result = mergeAdditive(result, mixin)
			}
		}
	}

	return result, nil
}

// mergeOverride merges base (the extends parent, already fully resolved)
// with override (the child composition's own frontmatter): scalar fields
// take override's value when set, Components replace wholesale only when
// override supplies any, and Vars deep-merge with override winning on key
// collisions.
func mergeOverride(base, override Composition) Composition {
	merged := base
	merged.Name = override.Name
	merged.Extends = override.Extends
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	if override.Author != "" {
		merged.Author = override.Author
	}
	if len(override.Components) > 0 {
		merged.Components = override.Components
	}
	if len(override.Mixins) > 0 {
		merged.Mixins = override.Mixins
	}
	if len(override.Conditions) > 0 {
		merged.Conditions = override.Conditions
	}
	if len(override.RequiredContext) > 0 {
		merged.RequiredContext = mergeRequiredContext(base.RequiredContext, override.RequiredContext)
	}
	merged.Vars = deepMergeMaps(base.Vars, override.Vars)
	merged.Metadata = deepMergeMaps(base.Metadata, override.Metadata)
	return merged
}

// mergeAdditive folds mixin's components onto the end of result's and
// deep-merges variable maps, with result's own keys winning over the
// mixin's (a mixin fills gaps, it doesn't override the composition that
// declared it).
func mergeAdditive(result, mixin Composition) Composition {
	merged := result
	merged.Components = append(append([]ComponentRef{}, result.Components...), mixin.Components...)
	merged.Vars = deepMergeMaps(mixin.Vars, result.Vars)
	merged.RequiredContext = mergeRequiredContext(mixin.RequiredContext, result.RequiredContext)
	return merged
}

func mergeRequiredContext(base, override map[string]RequiredVar) map[string]RequiredVar {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]RequiredVar, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// deepMergeMaps merges override onto base, recursing into nested maps and
// letting override win on scalar collisions. Neither argument is mutated.
func deepMergeMaps(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if baseVal, ok := out[k]; ok {
			if baseMap, ok := asMap(baseVal); ok {
				if overrideMap, ok := asMap(v); ok {
					out[k] = deepMergeMaps(baseMap, overrideMap)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
