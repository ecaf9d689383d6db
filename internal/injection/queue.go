package injection

import (
	"context"

	"go.uber.org/zap"
)

// ExecuteFunc performs one queued injection: typically issuing a COMPLETION
// with the record's content under a fresh request id. Execution is
// fire-and-forget; failures are logged, never retried by the queue itself.
type ExecuteFunc func(ctx context.Context, rec Record) error

// Queue feeds accepted direct-mode injections to a single processor task.
// A nil record is the termination sentinel, enqueued by Close at shutdown.
type Queue struct {
	ch chan *Record
}

// NewQueue creates a queue with the given buffer capacity (0 uses a
// reasonable default).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{ch: make(chan *Record, capacity)}
}

// Enqueue schedules rec for execution. Blocks if the buffer is full, which
// backpressures the INJECTION_INJECT handler rather than dropping work.
func (q *Queue) Enqueue(rec Record) {
	r := rec
	q.ch <- &r
}

// Close enqueues the termination sentinel. Run exits after draining
// everything queued ahead of it.
func (q *Queue) Close() {
	q.ch <- nil
}

// Len reports how many injections are waiting, for INJECTION_QUEUE
// diagnostics.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Run is the queue processor: a single task draining the queue in FIFO
// order until the sentinel arrives or ctx is cancelled.
func (q *Queue) Run(ctx context.Context, exec ExecuteFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-q.ch:
			if rec == nil {
				return
			}
			if err := exec(ctx, *rec); err != nil {
				logger.Error("injection execution failed",
					zap.String("injection_id", rec.ID),
					zap.Error(err),
				)
			}
		}
	}
}
