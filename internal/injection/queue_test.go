package injection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/injection"
)

func TestQueue_ExecutesInFIFOOrder(t *testing.T) {
	q := injection.NewQueue(8)

	var mu sync.Mutex
	var executed []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(context.Background(), func(_ context.Context, rec injection.Record) error {
			mu.Lock()
			executed = append(executed, rec.InjectionConfig.Content)
			mu.Unlock()
			return nil
		}, nil)
	}()

	q.Enqueue(injection.Record{ID: "1", InjectionConfig: injection.Config{Content: "first"}})
	q.Enqueue(injection.Record{ID: "2", InjectionConfig: injection.Config{Content: "second"}})
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue processor did not terminate on sentinel")
	}
	require.Equal(t, []string{"first", "second"}, executed)
}

func TestQueue_CtxCancelStopsProcessor(t *testing.T) {
	q := injection.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(context.Context, injection.Record) error { return nil }, nil)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue processor ignored context cancellation")
	}
	assert.Equal(t, 0, q.Len())
}
