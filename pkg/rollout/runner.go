package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
	"github.com/weftlab/weft/pkg/scheduler"
)

// defaultPollInterval is how often the runner checks a variant for a terminal
// top state.
const defaultPollInterval = 25 * time.Millisecond

// Result is one variant's outcome. Err is set when the variant failed to run
// or to be scored; a variant with Err set still never affects its siblings.
type Result struct {
	Variant string
	Scope   domain.BranchRef
	Reason  domain.FinishReason
	Score   *domain.Score
	Err     error
}

// Runner drives expanded variants through the scheduler and scores the
// finished trajectories. It assumes a worker pool is consuming the queues.
type Runner struct {
	sched        *scheduler.Scheduler
	stack        ports.Stack
	evaluator    ports.Evaluator
	pollInterval time.Duration
	logger       *slog.Logger
}

// RunnerOption configures the Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger configures a logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithPollInterval overrides the terminal-state poll interval.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// NewRunner creates a Runner.
func NewRunner(sched *scheduler.Scheduler, stack ports.Stack, evaluator ports.Evaluator, opts ...RunnerOption) *Runner {
	r := &Runner{
		sched:        sched,
		stack:        stack,
		evaluator:    evaluator,
		pollInterval: defaultPollInterval,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run expands the spec and runs every variant, bounded by the spec's
// parallelism limit. The returned slice is ordered like spec.Variants; a
// failed variant carries its error in place.
func (r *Runner) Run(ctx context.Context, spec *Spec) ([]Result, error) {
	runs, err := Expand(spec)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(runs))
	sem := make(chan struct{}, spec.parallelism())
	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run Run) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.runVariant(ctx, spec, run)
		}(i, run)
	}
	wg.Wait()
	return results, nil
}

// runVariant starts one conversation, waits for it to terminate and scores
// its trajectory.
func (r *Runner) runVariant(ctx context.Context, spec *Spec, run Run) Result {
	res := Result{Variant: run.Variant, Scope: run.Scope}
	logger := r.logger.With("rollout", spec.Name, "variant", run.Variant, "scope", run.Scope.String())

	if err := r.sched.StartConversation(ctx, run.Scope, run.Conversation.Prompt); err != nil {
		res.Err = fmt.Errorf("failed to start variant: %w", err)
		return res
	}
	logger.Info("variant started")

	top, err := r.awaitTerminal(ctx, run.Scope, spec.timeout())
	if err != nil {
		// Best effort: stop the runaway branch before reporting.
		if cerr := r.sched.Cancel(context.WithoutCancel(ctx), run.Scope); cerr != nil {
			logger.Warn("failed to cancel timed-out variant", "err", cerr)
		}
		res.Err = err
		return res
	}
	res.Reason = top.Reason
	logger.Info("variant finished", "reason", top.Reason)

	trajectory, err := r.trajectory(ctx, run.Scope)
	if err != nil {
		res.Err = err
		return res
	}
	score, err := r.evaluator.Evaluate(ctx, trajectory, spec.Evaluation.Rubric)
	if err != nil {
		res.Err = fmt.Errorf("evaluation failed: %w", err)
		return res
	}
	res.Score = score
	logger.Info("variant scored", "score", score.Score)
	return res
}

// awaitTerminal polls until the branch's top state is terminal.
func (r *Runner) awaitTerminal(ctx context.Context, scope domain.BranchRef, timeout time.Duration) (*domain.State, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		top, err := r.stack.Current(ctx, scope)
		if err != nil {
			return nil, err
		}
		if top != nil && top.Terminal() {
			return top, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("variant timed out after %s on %s", timeout, scope)
		case <-ticker.C:
		}
	}
}

// trajectory loads the full branch for the evaluator.
func (r *Runner) trajectory(ctx context.Context, scope domain.BranchRef) (*domain.Trajectory, error) {
	n, err := r.stack.Len(ctx, scope)
	if err != nil {
		return nil, err
	}
	states, err := r.stack.Range(ctx, scope, 0, n)
	if err != nil {
		return nil, err
	}
	return &domain.Trajectory{Scope: scope, States: states}, nil
}
