package completion_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/state"
)

// fakeChild emulates the LLM-child contract via a short shell script
// invoked as the "command", since tests don't run a real LLM binary.
func writeFakeChild(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-llm.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n{\"type\":\"assistant\",\"sessionId\":\"sess-xyz\",\"message\":{\"content\":[{\"text\":\"{\\\"event\\\":\\\"task:done\\\",\\\"data\\\":{}}\"}]}}\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestPipeline_Run_RecordsSessionAndExtractsEvents(t *testing.T) {
	child := writeFakeChild(t)
	sup := procsup.New(nil, 0)
	sessions := state.NewSessionStore()
	agents := agentmgr.NewManager()
	_, err := agents.Register(agentmgr.RegisterParams{AgentID: "a1"})
	require.NoError(t, err)

	logDir := t.TempDir()
	logger, err := completion.NewFileSessionLogger(logDir)
	require.NoError(t, err)

	p := completion.New(sup, sessions, agents, completion.LLMChildSpec{Command: child}, logger, nil)

	resp, err := p.Run(context.Background(), completion.Request{Prompt: "do it", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "sess-xyz", resp.SessionID)
	require.Len(t, resp.ExtractedEvents, 1)
	assert.Equal(t, "task:done", resp.ExtractedEvents[0].Event)

	_, ok := sessions.Get("sess-xyz")
	assert.True(t, ok)

	a, ok := agents.Get("a1")
	require.True(t, ok)
	assert.Contains(t, a.Sessions, "sess-xyz")

	assert.FileExists(t, filepath.Join(logDir, "sess-xyz.jsonl"))
	assert.FileExists(t, filepath.Join(logDir, "latest.jsonl"))
}

func TestPipeline_Run_PreInvokeHookApplied(t *testing.T) {
	child := writeFakeChild(t)
	sup := procsup.New(nil, 0)
	sessions := state.NewSessionStore()
	agents := agentmgr.NewManager()

	var seenPrompt string
	hook := func(_ context.Context, prompt, _, _ string) string {
		seenPrompt = prompt
		return "ENRICHED: " + prompt
	}
	p := completion.New(sup, sessions, agents, completion.LLMChildSpec{Command: child}, nil, hook)

	_, err := p.Run(context.Background(), completion.Request{Prompt: "do it"})
	require.NoError(t, err)
	assert.Equal(t, "do it", seenPrompt)
}
