package weft

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/internal/adapters/memory"
	redisad "github.com/weftlab/weft/internal/adapters/redis"
	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/observability"
	"github.com/weftlab/weft/pkg/ports"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/scheduler"
)

// Version of the weft library.
var Version = "0.1.0"

// Engine bundles a fully wired conversation engine. Construct it with New;
// the zero value is not usable.
type Engine struct {
	stack        ports.Stack
	queue        ports.Queue
	sched        *scheduler.Scheduler
	worker       *scheduler.Worker
	tools        *registry.Registry
	promRegistry *prometheus.Registry

	// construction state
	model        ports.ModelClient
	publisher    ports.ReplyPublisher
	records      ports.RecordSink
	logger       *slog.Logger
	policyName   string
	lookback     time.Duration
	fenceTTL     time.Duration
	engineGuards engine.Guards
	schedGuards  scheduler.Guards
	budgets      scheduler.Budgets
	redisClient  *backend.Client
	redisPrefix  string
}

// Option configures the Engine under construction.
type Option func(*Engine)

// WithModel sets the model client every handler consults. Without it the
// engine answers with an echo of the last user turn.
func WithModel(m ports.ModelClient) Option {
	return func(e *Engine) { e.model = m }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRedis backs every port with the given Redis client instead of the
// in-memory adapters, making the engine safe to run from many processes.
func WithRedis(client *backend.Client, prefix string) Option {
	return func(e *Engine) {
		e.redisClient = client
		e.redisPrefix = prefix
	}
}

// WithReplyPublisher overrides where published replies go.
func WithReplyPublisher(p ports.ReplyPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecordSink overrides the artifact stream destination.
func WithRecordSink(sink ports.RecordSink) Option {
	return func(e *Engine) { e.records = sink }
}

// WithDedupPolicy selects the global duplicate-suppression policy by name:
// permissive, observed or strict.
func WithDedupPolicy(name string) Option {
	return func(e *Engine) { e.policyName = name }
}

// WithLookback sets the dedup fingerprint window.
func WithLookback(d time.Duration) Option {
	return func(e *Engine) { e.lookback = d }
}

// WithFenceTTL sets the tick fence expiry.
func WithFenceTTL(d time.Duration) Option {
	return func(e *Engine) { e.fenceTTL = d }
}

// WithEngineGuards overrides the handler-level guards.
func WithEngineGuards(g engine.Guards) Option {
	return func(e *Engine) { e.engineGuards = g }
}

// WithSchedulerGuards overrides the branch-level guards.
func WithSchedulerGuards(g scheduler.Guards) Option {
	return func(e *Engine) { e.schedGuards = g }
}

// WithBudgets overrides the per-queue worker concurrency budgets.
func WithBudgets(b scheduler.Budgets) Option {
	return func(e *Engine) { e.budgets = b }
}

// New wires an Engine. Tools can be registered on Tools() before Serve.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		model:        EchoModel{},
		logger:       logging.NewNop(),
		policyName:   "observed",
		lookback:     10 * time.Minute,
		fenceTTL:     scheduler.DefaultFenceTTL,
		engineGuards: engine.DefaultGuards(),
		schedGuards:  scheduler.DefaultGuards(),
		budgets:      scheduler.DefaultBudgets(),
		tools:        registry.New(),
		promRegistry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	policy, err := executor.ParsePolicy(e.policyName)
	if err != nil {
		return nil, err
	}
	metrics := observability.New(e.promRegistry)

	var (
		locker       ports.Locker
		window       ports.DedupWindow
		cache        ports.Cache
		marker       ports.HandledMarker
		correlations ports.CorrelationTable
	)
	if e.redisClient != nil {
		prefix := e.redisPrefix
		e.stack = redisad.NewStack(e.redisClient, redisad.WithStackPrefix(prefix))
		e.queue = redisad.NewQueue(e.redisClient, prefix)
		locker = redisad.NewLocker(e.redisClient, prefix)
		window = redisad.NewWindow(e.redisClient, prefix)
		cache = redisad.NewCache(e.redisClient, prefix)
		marker = redisad.NewMarker(e.redisClient, prefix)
		correlations = redisad.NewCorrelations(e.redisClient, prefix)
		if e.records == nil {
			e.records = redisad.NewRecordStream(e.redisClient, prefix+"records", 100_000)
		}
		if e.publisher == nil {
			e.publisher = redisad.NewPublisher(e.redisClient, prefix)
		}
	} else {
		e.stack = memory.NewStack()
		e.queue = memory.NewQueue()
		locker = memory.NewLocker()
		window = memory.NewWindow()
		cache = memory.NewCache()
		marker = memory.NewMarker()
		correlations = memory.NewCorrelations()
		if e.records == nil {
			e.records = memory.NewRecordLog()
		}
		if e.publisher == nil {
			e.publisher = memory.NewReplyLog()
		}
	}

	handlers := engine.New(e.model, e.tools, e.engineGuards, engine.WithLogger(e.logger))
	exec := executor.New(e.queue, window, cache, marker, e.tools, correlations,
		policy, e.lookback,
		executor.WithLogger(e.logger), executor.WithMetrics(metrics))

	e.sched = scheduler.New(e.stack, e.queue, locker, handlers, exec, e.records, correlations, cache,
		scheduler.WithLogger(e.logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithFenceTTL(e.fenceTTL),
		scheduler.WithGuards(e.schedGuards))

	e.worker = scheduler.NewWorker(e.queue, e.sched, e.tools, exec, correlations, e.publisher,
		scheduler.WithWorkerLogger(e.logger),
		scheduler.WithBudgets(e.budgets))

	return e, nil
}

// Tools is the registry the engine dispatches tool calls against.
func (e *Engine) Tools() *registry.Registry { return e.tools }

// Stack is the underlying interaction stack, for introspection.
func (e *Engine) Stack() ports.Stack { return e.stack }

// Scheduler exposes the tick scheduler, for embedding in a rollout runner.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// MetricsRegistry holds the engine's prometheus collectors.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.promRegistry }

// Serve consumes the work queues until ctx is cancelled. Call it from one or
// more goroutines (or processes, with WithRedis).
func (e *Engine) Serve(ctx context.Context) error {
	return e.worker.Run(ctx)
}

// Start opens a conversation branch with a user message and schedules it.
func (e *Engine) Start(ctx context.Context, conversationID, agentID, text string) (domain.BranchRef, error) {
	ref := domain.BranchRef{ConversationID: conversationID, AgentID: agentID, BranchID: domain.MainBranch}
	if err := e.sched.StartConversation(ctx, ref, text); err != nil {
		return domain.BranchRef{}, err
	}
	return ref, nil
}

// Respond delivers a human reply to a conversation waiting on one.
func (e *Engine) Respond(ctx context.Context, ref domain.BranchRef, text string) error {
	return e.sched.Respond(ctx, ref, text)
}

// Cancel terminates a branch. Late results for it are discarded.
func (e *Engine) Cancel(ctx context.Context, ref domain.BranchRef) error {
	return e.sched.Cancel(ctx, ref)
}

// History returns every state of a branch in push order.
func (e *Engine) History(ctx context.Context, ref domain.BranchRef) ([]*domain.State, error) {
	n, err := e.stack.Len(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.stack.Range(ctx, ref, 0, n)
}

// EchoModel is the fallback model client: it repeats the last user turn and
// completes. It exists so a freshly wired engine is runnable without any
// model provider.
type EchoModel struct{}

// Ask implements ports.ModelClient.
func (EchoModel) Ask(_ context.Context, history []domain.Message) (*domain.Reply, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return &domain.Reply{Text: history[i].Content, Done: true}, nil
		}
	}
	return &domain.Reply{Text: "(nothing to answer)", Done: true}, nil
}
