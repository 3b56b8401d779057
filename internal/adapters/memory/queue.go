package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftlab/weft/pkg/ports"
)

type delayedTask struct {
	task    ports.Task
	readyAt time.Time
}

// Queue implements ports.Queue in memory.
type Queue struct {
	mu      sync.Mutex
	lists   map[string][]ports.Task
	delayed map[string][]delayedTask
}

// NewQueue creates an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{
		lists:   make(map[string][]ports.Task),
		delayed: make(map[string][]delayedTask),
	}
}

// Enqueue appends a task to the named queue.
func (q *Queue) Enqueue(_ context.Context, queue string, task ports.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Queue = queue
	q.lists[queue] = append(q.lists[queue], task)
	return nil
}

// EnqueueDelayed schedules a task to surface at readyAt.
func (q *Queue) EnqueueDelayed(_ context.Context, queue string, task ports.Task, readyAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Queue = queue
	q.delayed[queue] = append(q.delayed[queue], delayedTask{task: task, readyAt: readyAt})
	return nil
}

func (q *Queue) promote(queue string, now time.Time) {
	pending := q.delayed[queue]
	if len(pending) == 0 {
		return
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].readyAt.Before(pending[j].readyAt) })
	var remaining []delayedTask
	for _, d := range pending {
		if !d.readyAt.After(now) {
			q.lists[queue] = append(q.lists[queue], d.task)
		} else {
			remaining = append(remaining, d)
		}
	}
	q.delayed[queue] = remaining
}

// Dequeue polls up to timeout for the next task. Returns (nil, nil) on
// timeout.
func (q *Queue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*ports.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		q.promote(queue, time.Now())
		if list := q.lists[queue]; len(list) > 0 {
			task := list[0]
			q.lists[queue] = list[1:]
			q.mu.Unlock()
			return &task, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Depth returns the number of immediately dequeueable tasks.
func (q *Queue) Depth(_ context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[queue])), nil
}
