package commands_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/commands"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/identity"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/promptcomposer"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
	"github.com/ksi-project/ksid/internal/state"
)

type testEnv struct {
	reg  *registry.Registry
	deps commands.Deps

	// lastPrompt records the prompt the completion pipeline actually saw,
	// after injection splicing.
	lastPrompt *string
}

func writeFakeChild(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-llm.sh")
	script := "#!/bin/sh\ncat >/dev/null\ncat <<'EOF'\n{\"type\":\"assistant\",\"sessionId\":\"sess-1\",\"message\":{\"content\":[{\"text\":\"done\"}]}}\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	agents := agentmgr.NewManager()
	sessions := state.NewSessionStore()
	messageBus := bus.New(agents)
	supervisor := procsup.New(nil, 0)

	kv, err := state.OpenKVStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	identities, err := identity.Open(filepath.Join(t.TempDir(), "identities.json"))
	require.NoError(t, err)

	composer, err := promptcomposer.New(t.TempDir(), nil)
	require.NoError(t, err)

	var lastPrompt string
	hook := func(_ context.Context, prompt, _, _ string) string {
		lastPrompt = prompt
		return prompt
	}
	pipeline := completion.New(supervisor, sessions, agents, completion.LLMChildSpec{
		Command: writeFakeChild(t),
	}, nil, hook)

	routeLog, err := agentmgr.NewRouteLogger(filepath.Join(t.TempDir(), "routing.jsonl"))
	require.NoError(t, err)

	reg := registry.New()
	deps := commands.Deps{
		Registry:    reg,
		Agents:      agents,
		Supervisor:  supervisor,
		Pipeline:    pipeline,
		Bus:         messageBus,
		Sessions:    sessions,
		KV:          kv,
		Identities:  identities,
		Composer:    composer,
		Injector:    injection.New(),
		InjectQueue: injection.NewQueue(0),
		RouteLog:    routeLog,
		Async:       &commands.AsyncRunner{},
		Logger:      zap.NewNop(),
	}
	commands.Register(reg, deps)
	return &testEnv{reg: reg, deps: deps, lastPrompt: &lastPrompt}
}

// dispatch runs a command with JSON-encoded params and returns its result.
func (e *testEnv) dispatch(t *testing.T, command string, params any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return e.reg.Dispatch(context.Background(), command, raw)
}

func resultMap(t *testing.T, result any) map[string]any {
	t.Helper()
	m, ok := result.(map[string]any)
	require.True(t, ok, "result is %T, want map", result)
	return m
}

func TestDispatch_UnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatch(t, "NO_SUCH_COMMAND", map[string]any{})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "UNKNOWN_COMMAND", code)
}

func TestDispatch_RejectsUnknownParamKeys(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatch(t, "REGISTER_AGENT", map[string]any{
		"agent_id": "a1", "role": "analyst", "bogus": true,
	})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "INVALID_PARAMETERS", code)

	// Validation failure must not register the agent.
	_, ok := env.deps.Agents.Get("a1")
	assert.False(t, ok)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.dispatch(t, "HEALTH_CHECK", map[string]any{})
	require.NoError(t, err)
	hc, ok := result.(commands.HealthCheckResult)
	require.True(t, ok)
	assert.Equal(t, "healthy", hc.Status)
}

func TestRegisterAndRouteTask(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatch(t, "REGISTER_AGENT", map[string]any{
		"agent_id":     "a1",
		"role":         "analyst",
		"capabilities": []string{"data_analysis", "reporting"},
	})
	require.NoError(t, err)

	result, err := env.dispatch(t, "ROUTE_TASK", map[string]any{
		"task":                  "summarise logs",
		"required_capabilities": []string{"data_analysis"},
	})
	require.NoError(t, err)

	routing := resultMap(t, resultMap(t, result)["routing"])
	assert.Equal(t, "routed", routing["status"])
	assigned := resultMap(t, routing["assigned_agent"])
	assert.Equal(t, "a1", assigned["id"])
	assert.Equal(t, 1, routing["match_score"])
}

func TestRouteTask_NoSuitableAgent(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.dispatch(t, "ROUTE_TASK", map[string]any{
		"task":                  "anything",
		"required_capabilities": []string{"nonexistent"},
	})
	require.NoError(t, err)
	routing := resultMap(t, resultMap(t, result)["routing"])
	assert.Equal(t, "no_suitable_agent", routing["status"])
}

func TestKVRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatch(t, "SET_AGENT_KV", map[string]any{
		"key":            "plans.sprint.current",
		"value":          map[string]any{"goal": "ship"},
		"owner_agent_id": "a1",
		"scope":          "coordination",
	})
	require.NoError(t, err)

	result, err := env.dispatch(t, "GET_AGENT_KV", map[string]any{"key": "plans.sprint.current"})
	require.NoError(t, err)
	m := resultMap(t, result)
	require.Equal(t, true, m["found"])
	entry, ok := m["entry"].(state.KVEntry)
	require.True(t, ok)
	assert.Equal(t, "plans.sprint", entry.Namespace)
	assert.Equal(t, "coordination", entry.Scope)
}

func TestIdentityCRUD_ProtectedFieldRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatch(t, "CREATE_IDENTITY", map[string]any{
		"agent_id": "a1", "display_name": "Ada", "role": "researcher",
	})
	require.NoError(t, err)

	_, err = env.dispatch(t, "UPDATE_IDENTITY", map[string]any{
		"agent_id": "a1",
		"updates":  map[string]any{"identity_uuid": "spoofed"},
	})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "UPDATE_FAILED", code)

	result, err := env.dispatch(t, "GET_IDENTITY", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)
	id, ok := resultMap(t, result)["identity"].(identity.Identity)
	require.True(t, ok)
	assert.Equal(t, "Ada", id.DisplayName)
	// researcher role defaults applied at creation
	assert.NotEmpty(t, id.PersonalityTraits)

	_, err = env.dispatch(t, "GET_IDENTITY", map[string]any{"agent_id": "missing"})
	require.Error(t, err)
	code, _ = rpcerr.CodeAndMessage(err)
	assert.Equal(t, "IDENTITY_NOT_FOUND", code)
}

func TestComposePromptAndCycleValidation(t *testing.T) {
	env := newTestEnv(t)

	env.deps.Composer.LoadComponentRaw("core/greeting.md", promptcomposer.Component{
		Name: "greeting",
		Body: "Hello {{name|agent}}: {{user_prompt}}",
	})
	env.deps.Composer.LoadRaw(promptcomposer.Composition{
		Name: "claude_agent_default",
		Components: []promptcomposer.ComponentRef{
			{Name: "greeting", Source: "core/greeting.md"},
		},
	})
	env.deps.Composer.LoadRaw(promptcomposer.Composition{Name: "cyclic", Extends: "cyclic"})

	result, err := env.dispatch(t, "COMPOSE_PROMPT", map[string]any{
		"composition": "claude_agent_default",
		"context":     map[string]any{"user_prompt": "x"},
	})
	require.NoError(t, err)
	composed, ok := result.(promptcomposer.ComposeResult)
	require.True(t, ok)
	assert.Equal(t, "Hello agent: x", composed.Prompt)
	assert.Empty(t, composed.Warnings)

	vres, err := env.dispatch(t, "VALIDATE_COMPOSITION", map[string]any{"name": "cyclic"})
	require.NoError(t, err)
	validation, ok := vres.(promptcomposer.ValidationResult)
	require.True(t, ok)
	assert.False(t, validation.Valid)
	require.NotEmpty(t, validation.Issues)
	assert.Contains(t, validation.Issues[0].Message, "cyclic")
}

func TestComposePrompt_NotFoundSuggestsSimilar(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Composer.LoadRaw(promptcomposer.Composition{Name: "claude_agent_default"})

	_, err := env.dispatch(t, "COMPOSE_PROMPT", map[string]any{"composition": "agent_default"})
	require.Error(t, err)
	code, msg := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "COMPOSITION_NOT_FOUND", code)
	assert.Contains(t, msg, "claude_agent_default")
}

func TestInjectionChainBlockedByCircuitBreaker(t *testing.T) {
	env := newTestEnv(t)

	parent := ""
	for i := 0; i < 5; i++ {
		result, err := env.dispatch(t, "INJECTION_PROCESS_RESULT", map[string]any{
			"result":            fmt.Sprintf("step %d", i),
			"session_id":        "sess-1",
			"parent_request_id": parent,
		})
		require.NoError(t, err)
		m := resultMap(t, result)
		require.Equal(t, "queued", m["status"], "injection %d", i)
		parent = m["id"].(string)
	}

	result, err := env.dispatch(t, "INJECTION_PROCESS_RESULT", map[string]any{
		"result":            "step 5",
		"session_id":        "sess-1",
		"parent_request_id": parent,
	})
	require.NoError(t, err)
	m := resultMap(t, result)
	assert.Equal(t, "blocked", m["status"])
	assert.Equal(t, "circuit_breaker", m["reason"])
}

func TestCompletionSync_SplicesQueuedNextInjection(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatch(t, "INJECTION_INJECT", map[string]any{
		"mode":       "next",
		"position":   "system_reminder",
		"content":    "remember the deadline",
		"session_id": "sess-1",
	})
	require.NoError(t, err)

	result, err := env.dispatch(t, "COMPLETION", map[string]any{
		"prompt":     "hi",
		"session_id": "sess-1",
	})
	require.NoError(t, err)

	m := resultMap(t, result)
	assert.Equal(t, "sess-1", m["session_id"])
	assert.Contains(t, *env.lastPrompt, "<system-reminder>remember the deadline</system-reminder>")

	// The queue was drained by the completion.
	status, err := env.dispatch(t, "INJECTION_STATUS", map[string]any{"session_id": "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, resultMap(t, status)["pending"])
}

func TestCompletion_InvalidMode(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatch(t, "COMPLETION", map[string]any{"prompt": "hi", "mode": "detached"})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "INVALID_MODE", code)
}

func TestSpawnAlias_ResolvesToCompletion(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "COMPLETION", env.reg.Canonical("SPAWN"))
}

func TestSendMessage_SenderMustExist(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatch(t, "SEND_MESSAGE", map[string]any{
		"from_agent": "ghost", "message_type": "DIRECT_MESSAGE", "content": "hi",
	})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "SENDER_NOT_FOUND", code)
}

func TestSubscribe_RequiresConnection(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.dispatch(t, "SUBSCRIBE", map[string]any{
		"agent_id": "a1", "event_types": []string{"BROADCAST"},
	})
	require.Error(t, err)
	code, _ := rpcerr.CodeAndMessage(err)
	assert.Equal(t, "AGENT_NOT_CONNECTED", code)
}

func TestGetCommands_ListsCanonicalSet(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.dispatch(t, "GET_COMMANDS", map[string]any{})
	require.NoError(t, err)
	names, ok := resultMap(t, result)["commands"].([]string)
	require.True(t, ok)
	assert.Contains(t, names, "HEALTH_CHECK")
	assert.Contains(t, names, "COMPLETION")
	assert.Contains(t, names, "INJECTION_PROCESS_RESULT")
	// SPAWN is an alias, not a canonical command.
	assert.NotContains(t, names, "SPAWN")
}
