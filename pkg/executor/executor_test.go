package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/internal/adapters/memory"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/ports"
	"github.com/weftlab/weft/pkg/registry"
)

var testScope = domain.BranchRef{ConversationID: "conv-1", AgentID: "assistant", BranchID: domain.MainBranch}

type fixture struct {
	queue  *memory.Queue
	cache  *memory.Cache
	correl *memory.Correlations
	exec   *executor.Executor
}

func newFixture(t *testing.T, policy executor.Policy) *fixture {
	t.Helper()
	reg := registry.New()
	reg.Register(domain.Tool{Name: "transfer"}, nopTool)
	reg.Register(domain.Tool{Name: "lookup", SideEffectFree: true}, nopTool)
	reg.Register(domain.Tool{Name: "weather", SideEffectFree: true, CacheTTL: time.Minute}, nopTool)

	f := &fixture{
		queue:  memory.NewQueue(),
		cache:  memory.NewCache(),
		correl: memory.NewCorrelations(),
	}
	f.exec = executor.New(f.queue, memory.NewWindow(), f.cache, memory.NewMarker(),
		reg, f.correl, policy, 10*time.Minute)
	return f
}

func nopTool(_ context.Context, _ map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	return &domain.ToolOutput{Status: domain.ToolSuccess}, nil
}

func (f *fixture) dequeue(t *testing.T, queue string) *ports.Task {
	t.Helper()
	task, err := f.queue.Dequeue(context.Background(), queue, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a task on %s", queue)
	return task
}

func TestPolicyDecisions(t *testing.T) {
	cases := []struct {
		name           string
		policy         executor.Policy
		count          int64
		sideEffectFree bool
		want           executor.Decision
	}{
		{"permissive first", executor.Permissive{}, 1, false, executor.DecisionDispatch},
		{"permissive repeat", executor.Permissive{}, 5, false, executor.DecisionDispatch},
		{"observed first", executor.Observed{}, 1, false, executor.DecisionDispatch},
		{"observed repeat", executor.Observed{}, 2, false, executor.DecisionObserve},
		{"strict first", executor.Strict{}, 1, false, executor.DecisionDispatch},
		{"strict repeat", executor.Strict{}, 2, false, executor.DecisionBlock},
		{"strict repeat side-effect-free", executor.Strict{}, 2, true, executor.DecisionObserve},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.Decide(tc.count, tc.sideEffectFree))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for name, want := range map[string]string{
		"":           "permissive",
		"permissive": "permissive",
		"observed":   "observed",
		"strict":     "strict",
	} {
		p, err := executor.ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}
	_, err := executor.ParsePolicy("lenient")
	require.Error(t, err)
}

func TestExecuteEnqueuesToolTask(t *testing.T) {
	f := newFixture(t, executor.Permissive{})
	call := domain.ToolCallRequest{CallID: "c1", Name: "transfer", Args: map[string]any{"amount": 40}}

	res, err := f.exec.Execute(context.Background(), domain.CallToolEffect(testScope, call))
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, res.Disposition)

	task := f.dequeue(t, ports.QueueTools)
	var tt domain.ToolTask
	require.NoError(t, json.Unmarshal(task.Payload, &tt))
	assert.Equal(t, domain.TaskCallTool, tt.Kind)
	assert.Equal(t, "c1", tt.CallID)
	assert.Equal(t, testScope, tt.Scope)
}

func TestExecuteCollapsesRetries(t *testing.T) {
	f := newFixture(t, executor.Permissive{})
	effect := domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: "c1", Name: "lookup"})

	first, err := f.exec.Execute(context.Background(), effect)
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, first.Disposition)

	second, err := f.exec.Execute(context.Background(), effect)
	require.NoError(t, err)
	assert.Equal(t, executor.AlreadyHandled, second.Disposition)

	depth, err := f.queue.Depth(context.Background(), ports.QueueTools)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "the retry must not enqueue twice")
}

func TestStrictPolicyBlocksRepeatedSideEffects(t *testing.T) {
	f := newFixture(t, executor.Strict{})
	args := map[string]any{"from": "alice", "to": "bob", "amount": 40}

	res, err := f.exec.Execute(context.Background(),
		domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: "c1", Name: "transfer", Args: args}))
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, res.Disposition)

	// A fresh call id with identical args is the dangerous repeat.
	res, err = f.exec.Execute(context.Background(),
		domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: "c2", Name: "transfer", Args: args}))
	require.ErrorIs(t, err, domain.ErrDuplicateBlocked)
	assert.Equal(t, executor.DuplicateBlocked, res.Disposition)
	assert.Equal(t, int64(2), res.Duplicates)
}

func TestStrictPolicyAllowsSideEffectFreeRepeats(t *testing.T) {
	f := newFixture(t, executor.Strict{})
	args := map[string]any{"q": "weft"}

	for i, callID := range []string{"c1", "c2", "c3"} {
		res, err := f.exec.Execute(context.Background(),
			domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: callID, Name: "lookup", Args: args}))
		require.NoError(t, err, "repeat %d", i)
		assert.Equal(t, executor.Enqueued, res.Disposition)
	}
}

func TestCacheServesRepeatCalls(t *testing.T) {
	f := newFixture(t, executor.Permissive{})
	args := map[string]any{"city": "lisbon"}
	out := &domain.ToolOutput{Status: domain.ToolSuccess, Data: map[string]any{"temp_c": 21.0}}

	require.NoError(t, f.exec.CacheToolOutput(context.Background(), "weather", args, out))

	res, err := f.exec.Execute(context.Background(),
		domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: "c9", Name: "weather", Args: args}))
	require.NoError(t, err)
	assert.Equal(t, executor.ServedFromCache, res.Disposition)
	require.NotNil(t, res.Cached)
	assert.Equal(t, domain.ToolSuccess, res.Cached.Status)

	depth, err := f.queue.Depth(context.Background(), ports.QueueTools)
	require.NoError(t, err)
	assert.Zero(t, depth, "a cache hit must not reach the queue")
}

func TestCacheIgnoresFailedOutputs(t *testing.T) {
	f := newFixture(t, executor.Permissive{})
	args := map[string]any{"city": "atlantis"}

	require.NoError(t, f.exec.CacheToolOutput(context.Background(), "weather", args,
		&domain.ToolOutput{Status: domain.ToolFailure, Message: "no such place"}))

	res, err := f.exec.Execute(context.Background(),
		domain.CallToolEffect(testScope, domain.ToolCallRequest{CallID: "c1", Name: "weather", Args: args}))
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, res.Disposition, "failures are never served from cache")
}

func TestPushToAgentRecordsCorrelation(t *testing.T) {
	f := newFixture(t, executor.Permissive{})

	res, err := f.exec.Execute(context.Background(),
		domain.PushToAgentEffect(testScope, "corr-1", "researcher", "dig into it", "corr-1"))
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, res.Disposition)

	entry, err := f.correl.Resolve(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, testScope, entry.Scope, "the parent scope must be recorded before the enqueue")

	task := f.dequeue(t, ports.QueueTicks)
	var dm domain.DeliverMessageTask
	require.NoError(t, json.Unmarshal(task.Payload, &dm))
	assert.Equal(t, "researcher", dm.TargetAgent)
	assert.Equal(t, "corr-1", dm.CorrelationID)
}

func TestPublishReplyEnqueues(t *testing.T) {
	f := newFixture(t, executor.Permissive{})

	res, err := f.exec.Execute(context.Background(),
		domain.PublishReplyEffect(testScope, "r1", "all done"))
	require.NoError(t, err)
	assert.Equal(t, executor.Enqueued, res.Disposition)

	task := f.dequeue(t, ports.QueueReplies)
	var rt domain.ReplyTask
	require.NoError(t, json.Unmarshal(task.Payload, &rt))
	assert.Equal(t, "all done", rt.Payload)
}
