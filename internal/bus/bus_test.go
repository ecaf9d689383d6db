package bus_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/envelope"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []envelope.Event
	fail   bool
}

func (w *recordingWriter) WriteEvent(evt envelope.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return fmt.Errorf("write failed")
	}
	w.events = append(w.events, evt)
	return nil
}

func TestSubscribe_RequiresConnection(t *testing.T) {
	b := bus.New(nil)
	err := b.Subscribe("a1", []string{bus.EventBroadcast})
	assert.Error(t, err)
}

func TestBroadcast_DeliversToSubscribersExceptSender(t *testing.T) {
	b := bus.New(nil)
	w1, w2 := &recordingWriter{}, &recordingWriter{}
	b.Connect("a1", w1)
	b.Connect("a2", w2)
	require.NoError(t, b.Subscribe("a1", []string{bus.EventBroadcast}))
	require.NoError(t, b.Subscribe("a2", []string{bus.EventBroadcast}))

	_, err := b.Publish(bus.PublishParams{FromAgent: "a1", EventType: bus.EventBroadcast, Payload: map[string]any{"x": 1}})
	require.NoError(t, err)

	assert.Empty(t, w1.events)
	assert.Len(t, w2.events, 1)
}

func TestDirectMessage_QueuesOfflineRecipient(t *testing.T) {
	b := bus.New(nil)
	_, err := b.Publish(bus.PublishParams{FromAgent: "a1", EventType: bus.EventDirectMessage, To: "a2", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)

	w2 := &recordingWriter{}
	b.Connect("a2", w2)
	require.Len(t, w2.events, 1)
}

func TestDisconnect_ClearsSubscriptions(t *testing.T) {
	b := bus.New(nil)
	w1 := &recordingWriter{}
	b.Connect("a1", w1)
	require.NoError(t, b.Subscribe("a1", []string{bus.EventBroadcast}))
	b.Disconnect("a1")

	stats := b.GetStats()
	assert.Zero(t, stats.Connections)
	assert.Empty(t, stats.Subscriptions)
}

func TestHistory_BoundedAndOrdered(t *testing.T) {
	b := bus.New(nil)
	for i := 0; i < 5; i++ {
		_, err := b.Publish(bus.PublishParams{FromAgent: "a1", EventType: "custom", Payload: map[string]any{"i": i}})
		require.NoError(t, err)
	}
	hist := b.History()
	require.Len(t, hist, 5)
	assert.Equal(t, float64(0), hist[0].Payload["i"])
	assert.Equal(t, float64(4), hist[4].Payload["i"])
}

func TestFailedDelivery_RequeuesOffline(t *testing.T) {
	b := bus.New(nil)
	w1 := &recordingWriter{fail: true}
	b.Connect("a1", w1)
	require.NoError(t, b.Subscribe("a1", []string{bus.EventBroadcast}))

	_, err := b.Publish(bus.PublishParams{FromAgent: "a2", EventType: bus.EventBroadcast})
	require.NoError(t, err)

	stats := b.GetStats()
	assert.Equal(t, 1, stats.OfflineQueued)
}
