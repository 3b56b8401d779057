package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/ports"
)

// Budgets are the per-queue worker concurrency limits.
type Budgets struct {
	Ticks   int
	Tools   int
	Replies int
}

// DefaultBudgets mirror the config defaults.
func DefaultBudgets() Budgets {
	return Budgets{Ticks: 8, Tools: 16, Replies: 2}
}

const (
	dequeueTimeout = time.Second
	baseBackoff    = 500 * time.Millisecond
	maxAttempts    = 5
)

// Worker consumes the tick, tool and reply queues with independent
// concurrency budgets. Any number of Worker processes may share the queues;
// the scheduler's fences and the handled markers keep them from stepping on
// each other.
type Worker struct {
	queue     ports.Queue
	sched     *Scheduler
	tools     ports.ToolRunner
	exec      *executor.Executor
	correl    ports.CorrelationTable
	publisher ports.ReplyPublisher
	budgets   Budgets
	logger    *slog.Logger
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger configures a logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithBudgets overrides the per-queue concurrency budgets.
func WithBudgets(b Budgets) WorkerOption {
	return func(w *Worker) { w.budgets = b }
}

// NewWorker creates a Worker bound to a scheduler and its queue.
func NewWorker(
	queue ports.Queue,
	sched *Scheduler,
	tools ports.ToolRunner,
	exec *executor.Executor,
	correl ports.CorrelationTable,
	publisher ports.ReplyPublisher,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		queue:     queue,
		sched:     sched,
		tools:     tools,
		exec:      exec,
		correl:    correl,
		publisher: publisher,
		budgets:   DefaultBudgets(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(queue string, n int) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.consume(ctx, queue)
			}()
		}
	}
	spawn(ports.QueueTicks, w.budgets.Ticks)
	spawn(ports.QueueTools, w.budgets.Tools)
	spawn(ports.QueueReplies, w.budgets.Replies)
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context, queue string) {
	for {
		task, err := w.queue.Dequeue(ctx, queue, dequeueTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("dequeue failed", "queue", queue, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if task == nil {
			continue
		}
		if err := w.handle(ctx, task); err != nil {
			w.retry(ctx, queue, task, err)
		}
	}
}

// retry requeues a failed task with linear-in-attempt backoff. Exhausted
// tasks are dropped, not parked: the waiting branch's deadline synthesis is
// what converts a lost task into a visible error result.
func (w *Worker) retry(ctx context.Context, queue string, task *ports.Task, cause error) {
	task.Attempt++
	if task.Attempt >= maxAttempts {
		w.logger.Error("task exhausted retries, dropping",
			"queue", queue, "task", task.ID, "attempts", task.Attempt, "err", cause)
		return
	}
	w.logger.Warn("task failed, requeueing",
		"queue", queue, "task", task.ID, "attempt", task.Attempt, "err", cause)
	readyAt := time.Now().Add(time.Duration(task.Attempt) * baseBackoff)
	if err := w.queue.EnqueueDelayed(ctx, queue, *task, readyAt); err != nil {
		w.logger.Error("failed to requeue task", "queue", queue, "task", task.ID, "err", err)
	}
}

// handle dispatches a task by its payload kind.
func (w *Worker) handle(ctx context.Context, task *ports.Task) error {
	var head struct {
		Kind domain.TaskKind `json:"kind"`
	}
	if err := json.Unmarshal(task.Payload, &head); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}

	switch head.Kind {
	case domain.TaskTick:
		var t domain.TickTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return err
		}
		return w.sched.Tick(ctx, t.Scope)
	case domain.TaskCallTool:
		var t domain.ToolTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return err
		}
		return w.handleToolTask(ctx, t)
	case domain.TaskDeliverMessage:
		var t domain.DeliverMessageTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return err
		}
		return w.handleDeliverMessage(ctx, t)
	case domain.TaskDeliverResult:
		var t domain.DeliverResultTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return err
		}
		return w.handleDeliverResult(ctx, t)
	case domain.TaskReply:
		var t domain.ReplyTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return err
		}
		return w.handleReply(ctx, t)
	default:
		return fmt.Errorf("unknown task kind %q", head.Kind)
	}
}

// handleToolTask invokes the tool and pushes its result. The invoke marker is
// taken before calling the tool, so a crash mid-invocation never re-runs a
// side-effecting tool; the lost result surfaces through deadline synthesis.
func (w *Worker) handleToolTask(ctx context.Context, t domain.ToolTask) error {
	first, err := w.exec.MarkOnce(ctx, "invoke:"+t.CallID, executor.DefaultHandledWindow)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	var scope *domain.ToolScope
	if desc, ok := w.tools.Describe(t.Call.Name); ok && desc.NeedsScope {
		scope = &domain.ToolScope{
			ConversationID: t.Scope.ConversationID,
			AgentID:        t.Scope.AgentID,
			BranchID:       t.Scope.BranchID,
		}
	}

	out, err := w.tools.Invoke(ctx, t.Call.Name, t.Call.Args, scope)
	if err != nil {
		// The invoke marker is spent; surface the failure instead of
		// retrying the call.
		w.logger.Error("tool invocation failed",
			"tool", t.Call.Name, "call_id", t.CallID, "scope", t.Scope.String(), "err", err)
		state := domain.NewToolError(t.CallID, domain.ErrorTypeInfrastructure, err.Error())
		return w.sched.PushResult(ctx, t.Scope, state)
	}

	if out.Status == domain.ToolFailure {
		state := domain.NewToolError(t.CallID, out.ErrorType, out.Message)
		return w.sched.PushResult(ctx, t.Scope, state)
	}

	if err := w.exec.CacheToolOutput(ctx, t.Call.Name, t.Call.Args, out); err != nil {
		w.logger.Warn("failed to cache tool output", "tool", t.Call.Name, "err", err)
	}
	return w.sched.PushResult(ctx, t.Scope, domain.NewToolResult(t.CallID, out.Data, nil))
}

func (w *Worker) handleDeliverMessage(ctx context.Context, t domain.DeliverMessageTask) error {
	first, err := w.exec.MarkOnce(ctx, "deliver:"+t.CallID, executor.DefaultHandledWindow)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	return w.sched.DeliverDelegation(ctx, t)
}

func (w *Worker) handleDeliverResult(ctx context.Context, t domain.DeliverResultTask) error {
	first, err := w.exec.MarkOnce(ctx, "resolve:"+t.CallID, executor.DefaultHandledWindow)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	entry, err := w.correl.Resolve(ctx, t.CorrelationID)
	if err != nil {
		// Parent expired or was pruned; the result has nowhere to go.
		w.logger.Warn("delegation result without a waiting parent",
			"correlation_id", t.CorrelationID, "err", err)
		return nil
	}

	var state *domain.State
	if t.IsError {
		state = domain.NewAgentError(t.CorrelationID, t.ErrorType, fmt.Sprint(t.Result))
	} else {
		state = domain.NewAgentResult(t.CorrelationID, t.Result, t.Score)
	}
	if err := w.sched.PushResult(ctx, entry.Scope, state); err != nil {
		return err
	}
	if err := w.correl.Delete(ctx, t.CorrelationID); err != nil {
		w.logger.Warn("failed to delete correlation", "correlation_id", t.CorrelationID, "err", err)
	}
	return nil
}

func (w *Worker) handleReply(ctx context.Context, t domain.ReplyTask) error {
	first, err := w.exec.MarkOnce(ctx, "publish:"+t.CallID, executor.DefaultHandledWindow)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	return w.publisher.Publish(ctx, t.Scope, t.Payload)
}
