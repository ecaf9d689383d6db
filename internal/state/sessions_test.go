package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/state"
)

func TestSessionStore_PutGet(t *testing.T) {
	s := state.NewSessionStore()
	s.Put("sess-1", map[string]any{"ok": true})

	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, map[string]any{"ok": true}, got.LastOutput)
}

func TestSessionStore_GetMissing(t *testing.T) {
	s := state.NewSessionStore()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSessionStore_SnapshotRestore(t *testing.T) {
	s := state.NewSessionStore()
	s.Put("a", 1)
	s.Put("b", 2)

	snap := s.Snapshot()
	assert.Len(t, snap, 2)

	s2 := state.NewSessionStore()
	s2.Restore(snap)
	assert.Equal(t, 2, s2.Count())

	got, ok := s2.Get("a")
	require.True(t, ok)
	assert.EqualValues(t, 1, got.LastOutput)
}
