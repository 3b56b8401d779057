package ports

import (
	"context"
	"time"
)

// Queue names used by the engine. Each queue has an independent concurrency
// budget in the worker pool.
const (
	QueueTicks   = "ticks"
	QueueTools   = "tools"
	QueueReplies = "replies"
)

// Task is an opaque unit of queued work. Payload is JSON owned by the
// producer; ID is the idempotency key the consumer checks before acting.
// Attempt counts redeliveries for backoff.
type Task struct {
	ID      string `json:"id"`
	Queue   string `json:"queue"`
	Payload []byte `json:"payload"`
	Attempt int    `json:"attempt,omitempty"`
}

// Queue is a named-queue transport shared by all workers.
type Queue interface {
	// Enqueue appends a task to the named queue.
	Enqueue(ctx context.Context, queue string, task Task) error

	// EnqueueDelayed schedules a task to become dequeueable at readyAt.
	EnqueueDelayed(ctx context.Context, queue string, task Task, readyAt time.Time) error

	// Dequeue blocks up to timeout for the next task. Returns (nil, nil)
	// on timeout.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error)

	// Depth returns the number of immediately dequeueable tasks.
	Depth(ctx context.Context, queue string) (int64, error)
}

// HandledMarker is the downstream idempotency check-and-set: the first caller
// to mark a call id wins, retries observe it as already handled.
type HandledMarker interface {
	// MarkHandled returns true when callID was not previously marked.
	// The marker expires after window.
	MarkHandled(ctx context.Context, callID string, window time.Duration) (bool, error)
}
