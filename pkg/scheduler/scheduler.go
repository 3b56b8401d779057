// Package scheduler drives branches forward one tick at a time. A tick
// acquires the branch fence, dispatches the top state to its handler, applies
// the resulting pushes and effects, and decides whether the branch is
// requeued, parked until a deadline, or done. The scheduler owns every write
// to the stack; handlers only describe what should happen.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/observability"
	"github.com/weftlab/weft/pkg/ports"
)

// DefaultFenceTTL bounds how long a crashed worker can hold a branch hostage.
const DefaultFenceTTL = 30 * time.Second

// contendedRetryDelay spaces out re-attempts on a fence another worker holds.
const contendedRetryDelay = 250 * time.Millisecond

// idleCounterTTL bounds how long a stall counter survives without a tick.
const idleCounterTTL = time.Hour

// Guards bound runaway branches at the scheduler level. Handler-level guards
// (reflection bound, wait deadlines) live in engine.Guards.
type Guards struct {
	// MaxBranchLength terminates any branch reaching this many states.
	MaxBranchLength int64
	// MaxIdleRounds terminates a branch after this many consecutive ticks
	// that produced neither pushes nor effects.
	MaxIdleRounds int
}

// DefaultGuards mirror the config defaults.
func DefaultGuards() Guards {
	return Guards{MaxBranchLength: 512, MaxIdleRounds: 5}
}

// Scheduler coordinates ticks across workers through the shared queue, fence
// and stack. It is stateless; any number of instances may run concurrently
// against the same store.
type Scheduler struct {
	stack        ports.Stack
	queue        ports.Queue
	locker       ports.Locker
	handlers     *engine.Handlers
	exec         *executor.Executor
	records      ports.RecordSink
	correlations ports.CorrelationTable
	counters     ports.Cache
	guards       Guards
	fenceTTL     time.Duration
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics configures metrics collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithFenceTTL overrides the tick fence TTL.
func WithFenceTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.fenceTTL = ttl }
}

// WithGuards overrides the scheduler guards.
func WithGuards(g Guards) Option {
	return func(s *Scheduler) { s.guards = g }
}

// New creates a Scheduler. counters backs the per-branch stall counter and
// may share a store with the tool-result cache.
func New(
	stack ports.Stack,
	queue ports.Queue,
	locker ports.Locker,
	handlers *engine.Handlers,
	exec *executor.Executor,
	records ports.RecordSink,
	correlations ports.CorrelationTable,
	counters ports.Cache,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		stack:        stack,
		queue:        queue,
		locker:       locker,
		handlers:     handlers,
		exec:         exec,
		records:      records,
		correlations: correlations,
		counters:     counters,
		guards:       DefaultGuards(),
		fenceTTL:     DefaultFenceTTL,
		metrics:      observability.NewNop(),
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartConversation opens a branch with a user message and schedules its
// first tick.
func (s *Scheduler) StartConversation(ctx context.Context, scope domain.BranchRef, text string) error {
	state := domain.NewUserMessage(text)
	if _, err := s.pushRecorded(ctx, scope, state); err != nil {
		return err
	}
	return s.EnqueueTick(ctx, scope)
}

// Respond delivers a human reply to a branch waiting on one and schedules a
// tick.
func (s *Scheduler) Respond(ctx context.Context, scope domain.BranchRef, text string) error {
	state := domain.NewUserResponse(text)
	if _, err := s.pushRecorded(ctx, scope, state); err != nil {
		return err
	}
	return s.EnqueueTick(ctx, scope)
}

// Cancel terminates a branch. Safe to call on an already finished branch.
func (s *Scheduler) Cancel(ctx context.Context, scope domain.BranchRef) error {
	err := s.finish(ctx, scope, domain.FinishCancelled)
	if errors.Is(err, domain.ErrBranchTerminated) {
		return nil
	}
	return err
}

// Tick advances a branch by one step. Contention, suspension and terminal
// states are normal outcomes, not errors; an error return means the tick
// should be retried by the worker.
func (s *Scheduler) Tick(ctx context.Context, scope domain.BranchRef) error {
	unlock, err := s.locker.TryLock(ctx, scope.String(), s.fenceTTL)
	if errors.Is(err, domain.ErrFenceHeld) {
		// Another worker is on this branch right now; its tick will
		// see our state. Come back after it releases.
		s.metrics.Ticks.WithLabelValues("deferred").Inc()
		return s.enqueueTickAt(ctx, scope, time.Now().Add(contendedRetryDelay))
	}
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			s.logger.Warn("failed to release tick fence", "scope", scope.String(), "err", uerr)
		}
	}()

	start := time.Now()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	top, err := s.stack.Current(ctx, scope)
	if err != nil {
		return err
	}
	if top != nil && top.Terminal() {
		s.metrics.Ticks.WithLabelValues("terminal").Inc()
		return s.routeDelegationResult(ctx, scope, top)
	}

	if top != nil && top.Kind == domain.KindWaiting && !top.Deadline.IsZero() && time.Now().After(top.Deadline) {
		return s.synthesizeTimeout(ctx, scope, top)
	}

	if s.guards.MaxBranchLength > 0 {
		length, err := s.stack.Len(ctx, scope)
		if err != nil {
			return err
		}
		if length >= s.guards.MaxBranchLength {
			s.logger.Warn("branch reached max length", "scope", scope.String(), "length", length)
			return s.finish(ctx, scope, domain.FinishMaxLength)
		}
	}

	out, err := s.handlers.Handle(ctx, &engine.Tick{Scope: scope, Top: top, Stack: s.stack})
	if err != nil {
		return fmt.Errorf("handler failed on %s: %w", scope, err)
	}

	if err := s.applyStallGuard(ctx, scope, top, &out); err != nil {
		return err
	}

	terminal := false
	for _, push := range out.Pushes {
		if _, err := s.pushRecorded(ctx, scope, push); err != nil {
			if errors.Is(err, domain.ErrBranchTerminated) {
				// A racing result landed after our Finished push.
				s.discard(ctx, scope, push)
				break
			}
			if errors.Is(err, domain.ErrIllegalTransition) {
				s.logger.Error("handler produced illegal transition",
					"scope", scope.String(), "kind", push.Kind, "err", err)
				return s.finish(ctx, scope, domain.FinishDefect)
			}
			return err
		}
		terminal = push.Terminal()
	}

	resumed, err := s.executeEffects(ctx, scope, out.Effects)
	if err != nil {
		return err
	}

	if terminal {
		s.metrics.Ticks.WithLabelValues("terminal").Inc()
		top, err := s.stack.Current(ctx, scope)
		if err != nil {
			return err
		}
		return s.routeDelegationResult(ctx, scope, top)
	}
	if out.Suspend && !resumed {
		s.metrics.Ticks.WithLabelValues("waiting").Inc()
		return s.scheduleDeadlineWake(ctx, scope)
	}
	s.metrics.Ticks.WithLabelValues("advanced").Inc()
	return s.EnqueueTick(ctx, scope)
}

// executeEffects runs each effect through the executor. Cached and blocked
// tool calls resolve immediately with a synthesized result push, which
// reports resumed so the caller requeues instead of suspending.
func (s *Scheduler) executeEffects(ctx context.Context, scope domain.BranchRef, effects []domain.Effect) (bool, error) {
	resumed := false
	for _, effect := range effects {
		res, err := s.exec.Execute(ctx, effect)
		switch {
		case errors.Is(err, domain.ErrDuplicateBlocked):
			blocked := domain.NewToolError(effect.CallID, domain.ErrorTypeDuplicateBlocked,
				fmt.Sprintf("tool call %s refused as a duplicate", effect.Tool.Name))
			if _, perr := s.pushRecorded(ctx, scope, blocked); perr != nil {
				return resumed, perr
			}
			resumed = true
		case err != nil:
			return resumed, err
		case res.Disposition == executor.ServedFromCache:
			result := domain.NewToolResult(effect.CallID, res.Cached.Data, nil)
			if _, perr := s.pushRecorded(ctx, scope, result); perr != nil {
				return resumed, perr
			}
			resumed = true
		}
		s.record(ctx, scope, domain.RecordEffect, effect)
	}
	return resumed, nil
}

// applyStallGuard counts consecutive no-progress ticks and rewrites the
// outcome into termination once the bound is hit. Waiting tops are exempt:
// suspension is their job.
func (s *Scheduler) applyStallGuard(ctx context.Context, scope domain.BranchRef, top *domain.State, out *engine.Outcome) error {
	if s.guards.MaxIdleRounds <= 0 {
		return nil
	}
	key := "stall:" + scope.String()
	progressed := len(out.Pushes) > 0 || len(out.Effects) > 0
	if progressed || top == nil || top.Kind == domain.KindWaiting {
		if progressed {
			if err := s.counters.Set(ctx, key, []byte("0"), idleCounterTTL); err != nil {
				s.logger.Warn("failed to reset stall counter", "scope", scope.String(), "err", err)
			}
		}
		return nil
	}

	idle := 1
	if data, ok, err := s.counters.Get(ctx, key); err != nil {
		return err
	} else if ok {
		if n, err := strconv.Atoi(string(data)); err == nil {
			idle = n + 1
		}
	}
	if err := s.counters.Set(ctx, key, []byte(strconv.Itoa(idle)), idleCounterTTL); err != nil {
		return err
	}
	if idle > s.guards.MaxIdleRounds {
		s.logger.Warn("branch stalled, terminating", "scope", scope.String(), "idle_rounds", idle)
		out.Pushes = append(out.Pushes, domain.NewFinished(domain.FinishExhausted))
		out.Suspend = false
	}
	return nil
}

// synthesizeTimeout resolves an expired wait with an error result the
// conversation can react to, then re-ticks.
func (s *Scheduler) synthesizeTimeout(ctx context.Context, scope domain.BranchRef, top *domain.State) error {
	var state *domain.State
	switch top.WaitFor {
	case domain.WaitAgent:
		state = domain.NewAgentError(top.CorrelationID, domain.ErrorTypeTimeout, "delegation deadline elapsed")
	default:
		state = domain.NewToolError(top.CorrelationID, domain.ErrorTypeTimeout, "wait deadline elapsed")
	}
	state.Episode = top.Episode
	if _, err := s.pushRecorded(ctx, scope, state); err != nil {
		return err
	}
	s.metrics.Timeouts.Inc()
	s.metrics.Ticks.WithLabelValues("advanced").Inc()
	s.logger.Info("wait deadline elapsed, synthesized error result",
		"scope", scope.String(), "correlation_id", top.CorrelationID, "wait_for", top.WaitFor)
	return s.EnqueueTick(ctx, scope)
}

// scheduleDeadlineWake parks a waiting branch until its deadline. The wake is
// marked per correlation id so repeated suspensions do not pile up delayed
// ticks.
func (s *Scheduler) scheduleDeadlineWake(ctx context.Context, scope domain.BranchRef) error {
	top, err := s.stack.Current(ctx, scope)
	if err != nil {
		return err
	}
	if top == nil || top.Kind != domain.KindWaiting || top.Deadline.IsZero() {
		return nil
	}
	window := time.Until(top.Deadline) + s.fenceTTL
	first, err := s.exec.MarkOnce(ctx, "wake:"+top.CorrelationID, window)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	return s.enqueueTickAt(ctx, scope, top.Deadline)
}

// finish pushes a terminal state and routes the delegation result if the
// branch was serving one.
func (s *Scheduler) finish(ctx context.Context, scope domain.BranchRef, reason domain.FinishReason) error {
	state := domain.NewFinished(reason)
	if _, err := s.pushRecorded(ctx, scope, state); err != nil {
		return err
	}
	s.metrics.Ticks.WithLabelValues("terminal").Inc()
	return s.routeDelegationResult(ctx, scope, state)
}

// routeDelegationResult sends a finished delegation branch's outcome back to
// the waiting parent. A branch is a delegation iff its root state carries a
// correlation id. The executor's enqueue marker makes repeated routing of the
// same correlation id a no-op.
func (s *Scheduler) routeDelegationResult(ctx context.Context, scope domain.BranchRef, top *domain.State) error {
	root, err := s.stack.Get(ctx, scope, 0)
	if err != nil {
		if errors.Is(err, domain.ErrBranchNotFound) {
			return nil
		}
		return err
	}
	if root == nil || root.CorrelationID == "" {
		return nil
	}
	correlationID := root.CorrelationID

	summary, err := s.finalText(ctx, scope)
	if err != nil {
		return err
	}

	var effect domain.Effect
	callID := "result-" + correlationID
	if top != nil && top.Kind == domain.KindFinished && top.Reason != domain.FinishCompleted {
		effect = domain.PushAgentErrorEffect(scope, callID, correlationID, errorTypeFor(top.Reason),
			fmt.Sprintf("delegated conversation ended: %s", top.Reason))
	} else {
		effect = domain.PushAgentResultEffect(scope, callID, correlationID, summary, nil)
	}
	if _, err := s.exec.Execute(ctx, effect); err != nil {
		return err
	}
	s.record(ctx, scope, domain.RecordEffect, effect)
	return nil
}

// errorTypeFor maps a failure reason to the error taxonomy surfaced to the
// parent.
func errorTypeFor(reason domain.FinishReason) string {
	switch reason {
	case domain.FinishMaxLength, domain.FinishExhausted:
		return domain.ErrorTypeExhausted
	default:
		return domain.ErrorTypeInfrastructure
	}
}

// finalText returns the last substantive assistant text of a branch, used as
// the delegation result payload.
func (s *Scheduler) finalText(ctx context.Context, scope domain.BranchRef) (string, error) {
	it, err := s.stack.IterLastN(ctx, scope, 32)
	if err != nil {
		return "", err
	}
	text := ""
	for {
		st, ok, err := it.Next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return text, nil
		}
		if st.Kind == domain.KindAssistantMessage && st.Text != "" {
			text = st.Text
		}
	}
}

// pushRecorded pushes a state, bumps the push counter and emits the record.
func (s *Scheduler) pushRecorded(ctx context.Context, scope domain.BranchRef, state *domain.State) (int64, error) {
	pos, err := s.stack.Push(ctx, scope, state)
	if err != nil {
		return 0, err
	}
	state.Position = pos
	s.metrics.Pushes.WithLabelValues(string(state.Kind)).Inc()
	s.record(ctx, scope, domain.RecordPush, state)
	return pos, nil
}

// discard records a result that arrived after the branch terminated. The
// payload is preserved in the record stream even though the stack refused it.
func (s *Scheduler) discard(ctx context.Context, scope domain.BranchRef, state *domain.State) {
	s.logger.Info("discarding result for terminated branch",
		"scope", scope.String(), "kind", state.Kind, "correlation_id", state.CorrelationID)
	s.record(ctx, scope, domain.RecordDiscardedResult, state)
}

// record appends to the artifact stream. Failures are logged, never fatal:
// the stream is observability, not state.
func (s *Scheduler) record(ctx context.Context, scope domain.BranchRef, typ domain.RecordType, payload any) {
	episode := 0
	if st, ok := payload.(*domain.State); ok {
		episode = st.Episode
	}
	rec := &domain.Record{
		Ref:            uuid.NewString(),
		ConversationID: scope.ConversationID,
		AgentID:        scope.AgentID,
		BranchID:       scope.BranchID,
		EpisodeID:      episode,
		Type:           typ,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}
	if err := s.records.Append(ctx, rec); err != nil {
		s.logger.Warn("failed to append record", "scope", scope.String(), "type", typ, "err", err)
	}
}

// PushResult lands an externally produced result state on a branch and ticks
// it. Results for terminated branches are discarded into the record stream;
// results the transition table refuses are a defect of the producer and are
// discarded too.
func (s *Scheduler) PushResult(ctx context.Context, scope domain.BranchRef, state *domain.State) error {
	_, err := s.pushRecorded(ctx, scope, state)
	if errors.Is(err, domain.ErrBranchTerminated) || errors.Is(err, domain.ErrIllegalTransition) {
		s.discard(ctx, scope, state)
		return nil
	}
	if err != nil {
		return err
	}
	return s.EnqueueTick(ctx, scope)
}

// DeliverDelegation opens the target agent's delegation branch with the
// delegated message and ticks it. Each delegation runs on its own branch
// keyed by the correlation id, so parallel delegations to one agent never
// interleave and the result routing can always find the correlation id at
// position zero.
func (s *Scheduler) DeliverDelegation(ctx context.Context, task domain.DeliverMessageTask) error {
	scope := domain.BranchRef{
		ConversationID: task.Scope.ConversationID,
		AgentID:        task.TargetAgent,
		BranchID:       "deleg-" + task.CorrelationID,
	}
	msg := domain.NewUserMessage(task.Message)
	msg.CorrelationID = task.CorrelationID
	if _, err := s.pushRecorded(ctx, scope, msg); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) || errors.Is(err, domain.ErrBranchTerminated) {
			// Redelivered after the branch already opened.
			return s.EnqueueTick(ctx, scope)
		}
		return err
	}
	return s.EnqueueTick(ctx, scope)
}

// EnqueueTick schedules an immediate tick for a branch.
func (s *Scheduler) EnqueueTick(ctx context.Context, scope domain.BranchRef) error {
	task, err := tickTask(scope)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, ports.QueueTicks, task)
}

func (s *Scheduler) enqueueTickAt(ctx context.Context, scope domain.BranchRef, readyAt time.Time) error {
	task, err := tickTask(scope)
	if err != nil {
		return err
	}
	return s.queue.EnqueueDelayed(ctx, ports.QueueTicks, task, readyAt)
}

func tickTask(scope domain.BranchRef) (ports.Task, error) {
	payload, err := json.Marshal(domain.TickTask{Kind: domain.TaskTick, Scope: scope})
	if err != nil {
		return ports.Task{}, fmt.Errorf("failed to marshal tick task: %w", err)
	}
	return ports.Task{ID: uuid.NewString(), Queue: ports.QueueTicks, Payload: payload}, nil
}
