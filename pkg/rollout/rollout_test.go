package rollout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/internal/adapters/memory"
	"github.com/weftlab/weft/internal/config"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/registry"
	"github.com/weftlab/weft/pkg/scheduler"
)

const specYAML = `
name: greeting-exp
base:
  agent: assistant
  prompt: say something
  params:
    temperature: 0.2
    top_p: 0.9
variants:
  - name: warm
    overrides:
      prompt: say something warm
      params:
        temperature: 0.7
  - name: cold
    overrides:
      prompt: say something cold
evaluation:
  rubric: rate warmth 0-1
limits:
  timeout: 5s
`

func TestParseAndExpand(t *testing.T) {
	spec, err := Parse([]byte(specYAML))
	require.NoError(t, err)
	assert.Equal(t, "greeting-exp", spec.Name)
	assert.Equal(t, config.Duration(5*time.Second), spec.Limits.Timeout)

	runs, err := Expand(spec)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	warm, cold := runs[0], runs[1]
	assert.Equal(t, "say something warm", warm.Conversation.Prompt)
	assert.Equal(t, "say something cold", cold.Conversation.Prompt)

	// Overrides merge into nested maps instead of replacing them.
	assert.Equal(t, 0.7, warm.Conversation.Params["temperature"])
	assert.Equal(t, 0.9, warm.Conversation.Params["top_p"])
	assert.Equal(t, 0.2, cold.Conversation.Params["temperature"])

	// Every variant gets its own conversation.
	assert.NotEqual(t, warm.Scope.ConversationID, cold.Scope.ConversationID)
	assert.Equal(t, domain.MainBranch, warm.Scope.BranchID)
}

func TestParseRejectsInvalidSpecs(t *testing.T) {
	cases := map[string]string{
		"missing name": `
variants:
  - name: a
`,
		"no variants": `
name: x
`,
		"duplicate variant": `
name: x
variants:
  - name: a
  - name: a
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestExpandRequiresPrompt(t *testing.T) {
	spec := &Spec{
		Name:     "x",
		Base:     map[string]any{"agent": "assistant"},
		Variants: []Variant{{Name: "a"}},
	}
	_, err := Expand(spec)
	assert.Error(t, err)
}

// promptModel answers by the opening user message, so interleaved variants
// never see each other's script.
type promptModel struct {
	mu      sync.Mutex
	replies map[string]*domain.Reply
	errs    map[string]error
}

func (m *promptModel) Ask(_ context.Context, history []domain.Message) (*domain.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(history) == 0 {
		return &domain.Reply{Done: true}, nil
	}
	prompt := history[0].Content
	if err, ok := m.errs[prompt]; ok {
		return nil, err
	}
	if reply, ok := m.replies[prompt]; ok {
		return reply, nil
	}
	return &domain.Reply{Done: true}, nil
}

type harness struct {
	stack     *memory.Stack
	evaluator *memory.StubEvaluator
	runner    *Runner
}

func newHarness(t *testing.T, model *promptModel) *harness {
	t.Helper()

	stack := memory.NewStack()
	queue := memory.NewQueue()
	tools := registry.New()
	correl := memory.NewCorrelations()
	exec := executor.New(
		queue, memory.NewWindow(), memory.NewCache(), memory.NewMarker(),
		tools, correl, executor.Observed{}, 10*time.Minute,
	)
	handlers := engine.New(model, tools, engine.DefaultGuards())
	sched := scheduler.New(
		stack, queue, memory.NewLocker(), handlers, exec,
		memory.NewRecordLog(), correl, memory.NewCache(),
	)
	worker := scheduler.NewWorker(queue, sched, tools, exec, correl, memory.NewReplyLog(),
		scheduler.WithBudgets(scheduler.Budgets{Ticks: 4, Tools: 2, Replies: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	evaluator := memory.NewStubEvaluator(0.8)
	return &harness{
		stack:     stack,
		evaluator: evaluator,
		runner:    NewRunner(sched, stack, evaluator, WithPollInterval(5*time.Millisecond)),
	}
}

func TestRunScoresEveryVariant(t *testing.T) {
	model := &promptModel{replies: map[string]*domain.Reply{
		"say something warm": {Text: "sunshine"},
		"say something cold": {Text: "sleet"},
	}}
	h := newHarness(t, model)
	spec, err := Parse([]byte(specYAML))
	require.NoError(t, err)

	results, err := h.runner.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, res := range results {
		require.NoError(t, res.Err, "variant %s", res.Variant)
		require.NotNil(t, res.Score)
		assert.Equal(t, 0.8, res.Score.Score)
		assert.Equal(t, domain.FinishCompleted, res.Reason)
	}
	assert.Equal(t, "warm", results[0].Variant)
	assert.Equal(t, "cold", results[1].Variant)

	// The evaluator saw complete trajectories ending in Finished.
	for _, tr := range h.evaluator.Seen() {
		require.NotEmpty(t, tr.States)
		assert.Equal(t, domain.KindFinished, tr.States[len(tr.States)-1].Kind)
	}
}

func TestRunIsolatesVariantFailure(t *testing.T) {
	model := &promptModel{
		replies: map[string]*domain.Reply{
			"say something cold": {Text: "sleet"},
		},
		errs: map[string]error{
			"say something warm": errors.New("model backend unreachable"),
		},
	}
	h := newHarness(t, model)
	spec, err := Parse([]byte(specYAML))
	require.NoError(t, err)
	spec.Limits.Timeout = config.Duration(400 * time.Millisecond)

	results, err := h.runner.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, results, 2)

	warm, cold := results[0], results[1]
	assert.Error(t, warm.Err, "broken variant must surface its failure")
	assert.Nil(t, warm.Score)

	require.NoError(t, cold.Err, "sibling variant must be unaffected")
	require.NotNil(t, cold.Score)
	assert.Equal(t, domain.FinishCompleted, cold.Reason)

	// The timed-out variant was cancelled, not left running.
	top, err := h.stack.Current(context.Background(), warm.Scope)
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, domain.KindFinished, top.Kind)
	assert.Equal(t, domain.FinishCancelled, top.Reason)
}
