// Package executor turns handler effects into enqueued work, applying the
// tool-result cache and the global dedup policy on the way. It is the only
// component allowed to suppress duplicate tool calls.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/observability"
	"github.com/weftlab/weft/pkg/ports"
)

// Disposition says what Execute did with an effect.
type Disposition string

const (
	Enqueued         Disposition = "enqueued"
	ServedFromCache  Disposition = "cached"
	DuplicateBlocked Disposition = "duplicate_blocked"
	AlreadyHandled   Disposition = "already_handled"
)

// EnqueueResult reports the outcome of executing one effect.
type EnqueueResult struct {
	Disposition Disposition
	// Cached carries the tool output when Disposition == ServedFromCache.
	Cached *domain.ToolOutput
	// Duplicates is the sighting count within the lookback window.
	Duplicates int64
}

// DefaultHandledWindow bounds how long a call id stays marked as executed.
const DefaultHandledWindow = 24 * time.Hour

// Executor implements the effect-dispatch protocol.
type Executor struct {
	queue         ports.Queue
	window        ports.DedupWindow
	cache         ports.Cache
	marker        ports.HandledMarker
	tools         ports.ToolRunner
	correlations  ports.CorrelationTable
	policy        Policy
	lookback      time.Duration
	handledWindow time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// Option configures the Executor.
type Option func(*Executor)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics configures metrics collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithHandledWindow overrides the idempotency marker TTL.
func WithHandledWindow(d time.Duration) Option {
	return func(e *Executor) { e.handledWindow = d }
}

// New creates an Executor. policy is the single global dedup policy; no other
// component may implement competing duplicate suppression.
func New(
	queue ports.Queue,
	window ports.DedupWindow,
	cache ports.Cache,
	marker ports.HandledMarker,
	tools ports.ToolRunner,
	correlations ports.CorrelationTable,
	policy Policy,
	lookback time.Duration,
	opts ...Option,
) *Executor {
	e := &Executor{
		queue:         queue,
		window:        window,
		cache:         cache,
		marker:        marker,
		tools:         tools,
		correlations:  correlations,
		policy:        policy,
		lookback:      lookback,
		handledWindow: DefaultHandledWindow,
		metrics:       observability.NewNop(),
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches one effect. Re-executing the same effect call id is safe:
// the enqueue marker collapses retries before any downstream action.
func (e *Executor) Execute(ctx context.Context, effect domain.Effect) (EnqueueResult, error) {
	switch effect.Kind {
	case domain.EffectCallTool:
		return e.executeCallTool(ctx, effect)
	case domain.EffectPushToAgent:
		return e.executePushToAgent(ctx, effect)
	case domain.EffectPushAgentResult:
		return e.executePushAgentResult(ctx, effect)
	case domain.EffectPublishReply:
		return e.executePublishReply(ctx, effect)
	default:
		return EnqueueResult{}, fmt.Errorf("unknown effect kind %q", effect.Kind)
	}
}

func (e *Executor) executeCallTool(ctx context.Context, effect domain.Effect) (EnqueueResult, error) {
	desc, known := e.tools.Describe(effect.Tool.Name)

	// 1. Cache, when the tool declares a TTL.
	if known && desc.CacheTTL > 0 {
		key := domain.ArgsHash(effect.Tool.Name, effect.Tool.Args)
		if data, hit, err := e.cache.Get(ctx, key); err != nil {
			return EnqueueResult{}, err
		} else if hit {
			var out domain.ToolOutput
			if err := json.Unmarshal(data, &out); err == nil {
				e.metrics.Effects.WithLabelValues(string(effect.Kind), string(ServedFromCache)).Inc()
				return EnqueueResult{Disposition: ServedFromCache, Cached: &out}, nil
			}
			// Corrupt cache entry: fall through to a fresh call.
		}
	}

	// 2. Dedup policy over the fingerprint window.
	fp := domain.Fingerprint(effect.Scope, effect.Tool.Name, effect.Tool.Args)
	count, err := e.window.Observe(ctx, fp, e.lookback)
	if err != nil {
		return EnqueueResult{}, err
	}
	sideEffectFree := known && desc.SideEffectFree
	decision := e.policy.Decide(count, sideEffectFree)
	switch decision {
	case DecisionBlock:
		e.metrics.Duplicates.WithLabelValues("blocked").Inc()
		e.logger.Info("duplicate tool call blocked",
			"tool", effect.Tool.Name, "scope", effect.Scope.String(), "count", count)
		return EnqueueResult{Disposition: DuplicateBlocked, Duplicates: count},
			fmt.Errorf("%w: %s seen %d times in window", domain.ErrDuplicateBlocked, effect.Tool.Name, count)
	case DecisionObserve:
		e.metrics.Duplicates.WithLabelValues("observed").Inc()
		e.logger.Debug("duplicate tool call observed",
			"tool", effect.Tool.Name, "scope", effect.Scope.String(), "count", count)
	}

	// 3. Enqueue, once per call id.
	task := domain.ToolTask{Kind: domain.TaskCallTool, Scope: effect.Scope, CallID: effect.CallID, Call: effect.Tool}
	return e.enqueueOnce(ctx, ports.QueueTools, effect, task, count)
}

func (e *Executor) executePushToAgent(ctx context.Context, effect domain.Effect) (EnqueueResult, error) {
	// Correlation bookkeeping first, so the result can find its way back
	// even if the enqueue is retried.
	err := e.correlations.Put(ctx, effect.CorrelationID, ports.CorrelationEntry{Scope: effect.Scope})
	if err != nil {
		return EnqueueResult{}, err
	}
	task := domain.DeliverMessageTask{
		Kind:          domain.TaskDeliverMessage,
		Scope:         effect.Scope,
		CallID:        effect.CallID,
		TargetAgent:   effect.TargetAgent,
		Message:       effect.Message,
		CorrelationID: effect.CorrelationID,
	}
	return e.enqueueOnce(ctx, ports.QueueTicks, effect, task, 0)
}

func (e *Executor) executePushAgentResult(ctx context.Context, effect domain.Effect) (EnqueueResult, error) {
	task := domain.DeliverResultTask{
		Kind:          domain.TaskDeliverResult,
		Scope:         effect.Scope,
		CallID:        effect.CallID,
		CorrelationID: effect.CorrelationID,
		Result:        effect.Result,
		Score:         effect.Score,
		IsError:       effect.IsError,
		ErrorType:     effect.ErrorType,
	}
	return e.enqueueOnce(ctx, ports.QueueTicks, effect, task, 0)
}

func (e *Executor) executePublishReply(ctx context.Context, effect domain.Effect) (EnqueueResult, error) {
	task := domain.ReplyTask{Kind: domain.TaskReply, Scope: effect.Scope, CallID: effect.CallID, Payload: effect.Payload}
	return e.enqueueOnce(ctx, ports.QueueReplies, effect, task, 0)
}

// enqueueOnce enqueues the task, then marks the call id. A crash between the
// two leaves a retry free to enqueue again; the consumer-side handled marker
// is what guarantees a single downstream action either way.
func (e *Executor) enqueueOnce(ctx context.Context, queue string, effect domain.Effect, payload any, duplicates int64) (EnqueueResult, error) {
	seen, err := e.marker.MarkHandled(ctx, "enqueue:"+effect.CallID, e.handledWindow)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !seen {
		e.metrics.Effects.WithLabelValues(string(effect.Kind), string(AlreadyHandled)).Inc()
		return EnqueueResult{Disposition: AlreadyHandled, Duplicates: duplicates}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := e.queue.Enqueue(ctx, queue, ports.Task{ID: effect.CallID, Payload: data}); err != nil {
		return EnqueueResult{}, err
	}
	e.metrics.Effects.WithLabelValues(string(effect.Kind), string(Enqueued)).Inc()
	return EnqueueResult{Disposition: Enqueued, Duplicates: duplicates}, nil
}

// MarkOnce exposes the idempotency marker for callers coordinating their own
// once-only actions, such as deadline wakeups.
func (e *Executor) MarkOnce(ctx context.Context, key string, window time.Duration) (bool, error) {
	return e.marker.MarkHandled(ctx, key, window)
}

// CacheToolOutput stores a tool output for tools declaring a cache TTL.
// Called by the tool worker after a successful invocation.
func (e *Executor) CacheToolOutput(ctx context.Context, name string, args map[string]any, out *domain.ToolOutput) error {
	desc, known := e.tools.Describe(name)
	if !known || desc.CacheTTL <= 0 || out.Status != domain.ToolSuccess {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal tool output: %w", err)
	}
	return e.cache.Set(ctx, domain.ArgsHash(name, args), data, desc.CacheTTL)
}
