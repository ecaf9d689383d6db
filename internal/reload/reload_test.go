package reload_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/reload"
	"github.com/ksi-project/ksid/internal/state"
)

func TestRestoreState_RoundTrip(t *testing.T) {
	sessions := state.NewSessionStore()
	sessions.Put("s1", map[string]any{"ok": true})
	sessions.Put("s2", "raw")
	agents := agentmgr.NewManager()
	_, err := agents.Register(agentmgr.RegisterParams{AgentID: "a1", Role: "analyst"})
	require.NoError(t, err)

	// Serialise the way the controller does, then restore into fresh
	// stores as the successor's LOAD_STATE handler would.
	payload := map[string]any{
		"sessions": sessions.Snapshot(),
		"agents":   agents.Snapshot(),
	}

	newSessions := state.NewSessionStore()
	newAgents := agentmgr.NewManager()
	require.NoError(t, reload.RestoreState(payload, newSessions, newAgents))

	assert.Equal(t, 2, newSessions.Count())
	a, ok := newAgents.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "analyst", a.Role)
}

func TestReload_RollsBackWhenSuccessorCannotSpawn(t *testing.T) {
	c := &reload.Controller{
		ExecPath:   filepath.Join(t.TempDir(), "no-such-binary"),
		SocketPath: filepath.Join(t.TempDir(), "primary.sock"),
		Sessions:   state.NewSessionStore(),
		Agents:     agentmgr.NewManager(),
	}

	start := time.Now()
	result, err := c.Reload()
	require.NoError(t, err)
	assert.Equal(t, "rollback_complete", result["status"])
	assert.NotEmpty(t, result["error"])
	// Spawn failure is detected immediately, not after the health timeout.
	assert.Less(t, time.Since(start), 5*time.Second)
}
