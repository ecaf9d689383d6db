package promptcomposer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return c
}

func TestComposeWithDefaultsAndComponents(t *testing.T) {
	c := newTestComposer(t)
	c.LoadComponentRaw("agent/intro.md", Component{
		Name: "intro",
		Body: "You are {{role|an assistant}} speaking in a {{tone}} tone.",
		Vars: map[string]any{"tone": "neutral"},
	})
	c.LoadRaw(Composition{
		Name: "claude_agent_default",
		Components: []ComponentRef{
			{Name: "intro", Source: "agent/intro.md"},
		},
		RequiredContext: map[string]RequiredVar{
			"user_prompt": {},
		},
	})

	result, err := c.Compose("claude_agent_default", map[string]any{"user_prompt": "x"})
	require.NoError(t, err)
	assert.Equal(t, "You are an assistant speaking in a neutral tone.", result.Prompt)
	assert.Empty(t, result.Warnings)
}

func TestComposeMissingRequiredContext(t *testing.T) {
	c := newTestComposer(t)
	c.LoadComponentRaw("a.md", Component{Name: "a", Body: "{{x}}"})
	c.LoadRaw(Composition{
		Name:       "needs_ctx",
		Components: []ComponentRef{{Name: "a", Source: "a.md"}},
		RequiredContext: map[string]RequiredVar{
			"x": {},
		},
	})

	_, err := c.Compose("needs_ctx", map[string]any{})
	require.Error(t, err)
	var ctxErr *ContextError
	require.ErrorAs(t, err, &ctxErr)
	assert.Len(t, ctxErr.Issues, 1)
}

func TestValidateCycleDetection(t *testing.T) {
	c := newTestComposer(t)
	c.LoadRaw(Composition{Name: "cyclic", Extends: "cyclic"})

	result := c.Validate("cyclic", map[string]any{})
	assert.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "COMPOSITION_CYCLE", result.Issues[0].Code)
	assert.Contains(t, result.Issues[0].Message, "cyclic")
}

func TestComposeIdempotentAndCacheClearSafe(t *testing.T) {
	c := newTestComposer(t)
	c.LoadComponentRaw("a.md", Component{Name: "a", Body: "hello {{name}}"})
	c.LoadRaw(Composition{Name: "greet", Components: []ComponentRef{{Name: "a", Source: "a.md"}}})

	ctx := map[string]any{"name": "world"}
	first, err := c.Compose("greet", ctx)
	require.NoError(t, err)
	second, err := c.Compose("greet", ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Prompt, second.Prompt)

	c.cache.Clear()
	third, err := c.Compose("greet", ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Prompt, third.Prompt)
}

func TestComposeMixinsAndConditions(t *testing.T) {
	c := newTestComposer(t)
	c.LoadComponentRaw("base.md", Component{Name: "base", Body: "base"})
	c.LoadComponentRaw("tools.md", Component{Name: "tools", Body: "tools"})
	c.LoadRaw(Composition{
		Name:       "tool_mixin",
		Components: []ComponentRef{{Name: "tools", Source: "tools.md"}},
	})
	c.LoadRaw(Composition{
		Name:       "base_comp",
		Components: []ComponentRef{{Name: "base", Source: "base.md"}},
		Conditions: []ConditionalMixin{
			{Condition: "enable_tools", Mixins: []string{"tool_mixin"}},
		},
	})

	withoutTools, err := c.Compose("base_comp", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "base", withoutTools.Prompt)

	withTools, err := c.Compose("base_comp", map[string]any{"enable_tools": true})
	require.NoError(t, err)
	assert.Equal(t, "base\n\ntools", withTools.Prompt)
}

func TestNestedPathAndFunctionSubstitution(t *testing.T) {
	c := newTestComposer(t)
	c.LoadComponentRaw("a.md", Component{Name: "a", Body: "{{obj.path.0}} {{upper(name)}}"})
	c.LoadRaw(Composition{Name: "nested", Components: []ComponentRef{{Name: "a", Source: "a.md"}}})

	result, err := c.Compose("nested", map[string]any{
		"obj":  map[string]any{"path": []any{"first"}},
		"name": "ada",
	})
	require.NoError(t, err)
	assert.Equal(t, "first ADA", result.Prompt)
}
