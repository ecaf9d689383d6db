package injection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/injection"
)

func TestInject_DirectQueuesImmediately(t *testing.T) {
	r := injection.New()
	result := r.Inject(injection.Config{Mode: injection.ModeDirect, Content: "hello"})
	assert.Equal(t, "queued", result.Status)
	assert.NotEmpty(t, result.Record.ID)
}

func TestInject_NextModeDrainedBySession(t *testing.T) {
	r := injection.New()
	result := r.Inject(injection.Config{Mode: injection.ModeNext, TargetSessionID: "sess-1", Content: "ctx"})
	require.Equal(t, "queued", result.Status)

	drained := r.DrainNext("sess-1")
	require.Len(t, drained, 1)
	assert.Equal(t, "ctx", drained[0].InjectionConfig.Content)

	// Drained queue is now empty.
	assert.Empty(t, r.DrainNext("sess-1"))
}

func TestInject_CircuitBreakerBlocksAtMaxDepth(t *testing.T) {
	r := injection.New()
	var parent string
	for i := 0; i < 5; i++ {
		result := r.Inject(injection.Config{Mode: injection.ModeDirect, ParentRequestID: parent})
		require.Equal(t, "queued", result.Status)
		parent = result.Record.ID
	}
	// 6th in the chain hits max_depth (default 5).
	blocked := r.Inject(injection.Config{Mode: injection.ModeDirect, ParentRequestID: parent})
	assert.Equal(t, "blocked", blocked.Status)
	assert.Equal(t, "circuit_breaker", blocked.Reason)
}

func TestApplyPosition(t *testing.T) {
	out, err := injection.ApplyPosition("prompt", "extra", injection.PositionSystemReminder)
	require.NoError(t, err)
	assert.Contains(t, out, "<system-reminder>extra</system-reminder>")
}

func TestClear_RemovesAllRecordsAndQueues(t *testing.T) {
	r := injection.New()
	r.Inject(injection.Config{Mode: injection.ModeNext, TargetSessionID: "s1", Content: "x"})
	r.Clear()
	assert.Empty(t, r.List())
	assert.Empty(t, r.DrainNext("s1"))
}
