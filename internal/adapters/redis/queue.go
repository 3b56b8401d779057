package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/ports"
)

// promoteScript atomically moves every due delayed task onto the live list.
//
// KEYS[1] = delayed zset, KEYS[2] = live list
// ARGV[1] = now (unix millis)
var promoteScript = backend.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i, v in ipairs(due) do
	redis.call('LPUSH', KEYS[2], v)
end
if #due > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #due
`)

// pollInterval caps a single blocking pop so due delayed tasks surface
// promptly even while a worker is parked on an empty queue.
const pollInterval = 100 * time.Millisecond

// Queue implements ports.Queue on Redis lists with a ZSET for delayed tasks.
type Queue struct {
	client *backend.Client
	prefix string
}

// NewQueue creates a Queue from an existing client.
func NewQueue(client *backend.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Queue{client: client, prefix: prefix}
}

func (q *Queue) listKey(queue string) string {
	return q.prefix + "queue:" + queue
}

func (q *Queue) delayedKey(queue string) string {
	return q.prefix + "queue:" + queue + ":delayed"
}

// Enqueue appends a task to the named queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, task ports.Task) error {
	task.Queue = queue
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.listKey(queue), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// EnqueueDelayed schedules a task to surface at readyAt.
func (q *Queue) EnqueueDelayed(ctx context.Context, queue string, task ports.Task, readyAt time.Time) error {
	task.Queue = queue
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	err = q.client.ZAdd(ctx, q.delayedKey(queue), backend.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task, promoting due delayed tasks
// as it polls. Returns (nil, nil) on timeout.
func (q *Queue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*ports.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := q.promote(ctx, queue); err != nil {
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > pollInterval {
			wait = pollInterval
		}

		res, err := q.client.BRPop(ctx, wait, q.listKey(queue)).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}
		// BRPOP returns [key, value].
		var task ports.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		return &task, nil
	}
}

func (q *Queue) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(queue), q.listKey(queue)}, now).Err()
	if err != nil && !errors.Is(err, backend.Nil) {
		return fmt.Errorf("failed to promote delayed tasks: %w", err)
	}
	return nil
}

// Depth returns the number of immediately dequeueable tasks.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Marker implements ports.HandledMarker with SET NX PX: the first worker to
// mark a call id wins, retries observe it as already handled until the window
// expires.
type Marker struct {
	client *backend.Client
	prefix string
}

// NewMarker creates a Marker from an existing client.
func NewMarker(client *backend.Client, prefix string) *Marker {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Marker{client: client, prefix: prefix}
}

// MarkHandled returns true when callID was not previously marked.
func (m *Marker) MarkHandled(ctx context.Context, callID string, window time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.prefix+"handled:"+callID, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark handled: %w", err)
	}
	return ok, nil
}
