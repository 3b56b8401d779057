package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/internal/adapters/memory"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/executor"
	"github.com/weftlab/weft/pkg/ports"
	"github.com/weftlab/weft/pkg/registry"
)

type fixture struct {
	stack   *memory.Stack
	queue   *memory.Queue
	locker  *memory.Locker
	correl  *memory.Correlations
	records *memory.RecordLog
	replies *memory.ReplyLog
	tools   *registry.Registry
	exec    *executor.Executor
	sched   *Scheduler
	worker  *Worker
}

func newFixture(t *testing.T, model ports.ModelClient, policy executor.Policy, guards engine.Guards, schedOpts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		stack:   memory.NewStack(),
		queue:   memory.NewQueue(),
		locker:  memory.NewLocker(),
		correl:  memory.NewCorrelations(),
		records: memory.NewRecordLog(),
		replies: memory.NewReplyLog(),
		tools:   registry.New(),
	}
	f.tools.Register(domain.Tool{Name: "echo", SideEffectFree: true}, echoTool)
	f.tools.Register(domain.Tool{Name: "transfer"}, echoTool)

	f.exec = executor.New(
		f.queue, memory.NewWindow(), memory.NewCache(), memory.NewMarker(),
		f.tools, f.correl, policy, 10*time.Minute,
	)
	handlers := engine.New(model, f.tools, guards)
	f.sched = New(
		f.stack, f.queue, f.locker, handlers, f.exec,
		f.records, f.correl, memory.NewCache(), schedOpts...,
	)
	f.worker = NewWorker(f.queue, f.sched, f.tools, f.exec, f.correl, f.replies)
	return f
}

func echoTool(_ context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	return &domain.ToolOutput{Status: domain.ToolSuccess, Data: args["msg"]}, nil
}

// drain processes queued tasks synchronously until every queue stays empty
// for a full sweep, skipping any queues listed in skip.
func (f *fixture) drain(t *testing.T, skip ...string) {
	t.Helper()
	ctx := context.Background()
	skipped := make(map[string]bool)
	for _, q := range skip {
		skipped[q] = true
	}
	queues := []string{ports.QueueTicks, ports.QueueTools, ports.QueueReplies}
	for i := 0; i < 200; i++ {
		progressed := false
		for _, q := range queues {
			if skipped[q] {
				continue
			}
			task, err := f.queue.Dequeue(ctx, q, 20*time.Millisecond)
			require.NoError(t, err)
			if task == nil {
				continue
			}
			progressed = true
			if err := f.worker.handle(ctx, task); err != nil {
				f.worker.retry(ctx, q, task, err)
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues never drained")
}

func (f *fixture) states(t *testing.T, scope domain.BranchRef) []*domain.State {
	t.Helper()
	n, err := f.stack.Len(context.Background(), scope)
	require.NoError(t, err)
	states, err := f.stack.Range(context.Background(), scope, 0, n)
	require.NoError(t, err)
	return states
}

func kinds(states []*domain.State) []domain.StateKind {
	out := make([]domain.StateKind, len(states))
	for i, s := range states {
		out[i] = s.Kind
	}
	return out
}

func scopeFor(name string) domain.BranchRef {
	return domain.BranchRef{ConversationID: "conv-" + name, AgentID: "assistant", BranchID: domain.MainBranch}
}

func TestTickRunsToolCallToCompletion(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "checking", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "hi"}},
		}},
		&domain.Reply{Text: "the echo said hi", Done: true},
	)
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("tool")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "say hi"))
	f.drain(t)

	states := f.states(t, scope)
	assert.Equal(t, []domain.StateKind{
		domain.KindUserMessage,
		domain.KindAssistantMessage,
		domain.KindToolCall,
		domain.KindWaiting,
		domain.KindToolResult,
		domain.KindFinished,
	}, kinds(states))
	assert.Equal(t, domain.FinishCompleted, states[len(states)-1].Reason)
	assert.Equal(t, "hi", states[4].Result)
	assert.Equal(t, []string{"the echo said hi"}, f.replies.Payloads())
}

func TestTickToolCallWithoutIDCompletes(t *testing.T) {
	// A model that omits call ids still gets results correlated back: the
	// assistant message is persisted with generated ids, so the arriving
	// result resolves the pending call instead of stalling the branch.
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "checking", ToolCalls: []domain.ToolCallRequest{
			{Name: "echo", Args: map[string]any{"msg": "hi"}},
		}},
		&domain.Reply{Text: "done", Done: true},
	)
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("no-call-id")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "say hi"))
	f.drain(t)

	states := f.states(t, scope)
	require.Equal(t, []domain.StateKind{
		domain.KindUserMessage,
		domain.KindAssistantMessage,
		domain.KindToolCall,
		domain.KindWaiting,
		domain.KindToolResult,
		domain.KindFinished,
	}, kinds(states))

	require.Len(t, states[1].PendingCalls, 1)
	callID := states[1].PendingCalls[0].CallID
	assert.NotEmpty(t, callID)
	assert.Equal(t, callID, states[4].CorrelationID)
	assert.Equal(t, domain.FinishCompleted, states[len(states)-1].Reason)
}

func TestTickParallelToolCalls(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "fan out", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "one"}},
			{CallID: "c2", Name: "echo", Args: map[string]any{"msg": "two"}},
		}},
		&domain.Reply{Text: "both done", Done: true},
	)
	f := newFixture(t, model, executor.Permissive{}, engine.DefaultGuards())
	scope := scopeFor("parallel")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "go"))
	f.drain(t)

	states := f.states(t, scope)
	top := states[len(states)-1]
	require.Equal(t, domain.KindFinished, top.Kind)

	results := make(map[string]any)
	for _, s := range states {
		if s.Kind == domain.KindToolResult {
			results[s.CorrelationID] = s.Result
		}
	}
	assert.Equal(t, map[string]any{"c1": "one", "c2": "two"}, results)
	// The model is consulted exactly twice: the continuation waits for the
	// last pending result.
	assert.Len(t, model.Asked, 2)
}

func TestTickDelegation(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "asking the researcher", Delegation: &domain.Delegation{
			TargetAgent: "researcher", Message: "find the answer",
		}},
		&domain.Reply{Text: "the answer is 42"},
		&domain.Reply{Text: "researcher says 42", Done: true},
	)
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("deleg")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "what is the answer?"))
	f.drain(t)

	states := f.states(t, scope)
	top := states[len(states)-1]
	require.Equal(t, domain.KindFinished, top.Kind)
	assert.Equal(t, domain.FinishCompleted, top.Reason)

	var agentResult *domain.State
	for _, s := range states {
		if s.Kind == domain.KindAgentResult {
			agentResult = s
		}
	}
	require.NotNil(t, agentResult, "parent branch must receive the delegation result")
	assert.False(t, agentResult.IsError)
	assert.Equal(t, "the answer is 42", agentResult.Result)

	// The delegation ran on its own branch of the researcher.
	branches, err := f.stack.Branches(ctx, scope.ConversationID, "researcher")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	childScope := domain.BranchRef{ConversationID: scope.ConversationID, AgentID: "researcher", BranchID: branches[0]}
	child := f.states(t, childScope)
	assert.Equal(t, domain.KindFinished, child[len(child)-1].Kind)
	assert.Equal(t, agentResult.CorrelationID, child[0].CorrelationID)

	// Correlation cleaned up after routing.
	_, err = f.correl.Resolve(ctx, agentResult.CorrelationID)
	assert.ErrorIs(t, err, domain.ErrCorrelationNotFound)
}

func TestTickDeadlineSynthesis(t *testing.T) {
	guards := engine.DefaultGuards()
	guards.WaitDeadline = 30 * time.Millisecond
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "calling", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "slow"}},
		}},
		&domain.Reply{Text: "giving up", Done: true},
	)
	f := newFixture(t, model, executor.Observed{}, guards)
	scope := scopeFor("timeout")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "hurry"))
	// The tool worker never runs; only the delayed deadline wake can move
	// the branch.
	f.drain(t, ports.QueueTools)
	time.Sleep(60 * time.Millisecond)
	f.drain(t, ports.QueueTools)

	states := f.states(t, scope)
	require.Equal(t, domain.KindFinished, states[len(states)-1].Kind)

	var timeoutResult *domain.State
	for _, s := range states {
		if s.Kind == domain.KindToolResult {
			timeoutResult = s
		}
	}
	require.NotNil(t, timeoutResult)
	assert.True(t, timeoutResult.IsError)
	assert.Equal(t, domain.ErrorTypeTimeout, timeoutResult.ErrorType)
	assert.Equal(t, "c1", timeoutResult.CorrelationID)
}

func TestTickStrictPolicyBlocksRepeatedCall(t *testing.T) {
	call := func(id string) []domain.ToolCallRequest {
		return []domain.ToolCallRequest{{CallID: id, Name: "transfer", Args: map[string]any{"msg": "100"}}}
	}
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "transferring", ToolCalls: call("c1")},
		&domain.Reply{Text: "trying again", ToolCalls: call("c2")},
		&domain.Reply{Text: "stopped", Done: true},
	)
	f := newFixture(t, model, executor.Strict{}, engine.DefaultGuards())
	scope := scopeFor("strict")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "transfer 100"))
	f.drain(t)

	states := f.states(t, scope)
	require.Equal(t, domain.KindFinished, states[len(states)-1].Kind)

	var blocked *domain.State
	for _, s := range states {
		if s.Kind == domain.KindToolResult && s.CorrelationID == "c2" {
			blocked = s
		}
	}
	require.NotNil(t, blocked)
	assert.True(t, blocked.IsError)
	assert.Equal(t, domain.ErrorTypeDuplicateBlocked, blocked.ErrorType)
}

func TestTickServesCachedToolResult(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "first", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c1", Name: "cached", Args: map[string]any{"msg": "v"}},
		}},
		&domain.Reply{Text: "second", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c2", Name: "cached", Args: map[string]any{"msg": "v"}},
		}},
		&domain.Reply{Text: "done", Done: true},
	)
	f := newFixture(t, model, executor.Permissive{}, engine.DefaultGuards())
	calls := 0
	f.tools.Register(domain.Tool{Name: "cached", SideEffectFree: true, CacheTTL: time.Minute},
		func(_ context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
			calls++
			return &domain.ToolOutput{Status: domain.ToolSuccess, Data: args["msg"]}, nil
		})
	scope := scopeFor("cache")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "go"))
	f.drain(t)

	states := f.states(t, scope)
	require.Equal(t, domain.KindFinished, states[len(states)-1].Kind)
	assert.Equal(t, 1, calls, "second identical call must be served from cache")

	results := 0
	for _, s := range states {
		if s.Kind == domain.KindToolResult {
			results++
			assert.Equal(t, "v", s.Result)
		}
	}
	assert.Equal(t, 2, results)
}

func TestTickDefersWhenFenceHeld(t *testing.T) {
	model := memory.NewScriptedModel(&domain.Reply{Text: "hello", Done: true})
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("fence")
	ctx := context.Background()

	_, err := f.stack.Push(ctx, scope, domain.NewUserMessage("hi"))
	require.NoError(t, err)

	unlock, err := f.locker.TryLock(ctx, scope.String(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.sched.Tick(ctx, scope))

	// Nothing advanced while the fence was held.
	n, err := f.stack.Len(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, unlock(ctx))
	time.Sleep(contendedRetryDelay + 50*time.Millisecond)
	f.drain(t)

	// The deferred tick eventually ran the conversation to completion.
	top, err := f.stack.Current(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, domain.KindFinished, top.Kind)
}

func TestTickMaxLengthGuard(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "looping", ToolCalls: []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "x"}},
		}},
	)
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards(),
		WithGuards(Guards{MaxBranchLength: 3, MaxIdleRounds: 5}))
	scope := scopeFor("maxlen")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "go"))
	f.drain(t)

	states := f.states(t, scope)
	top := states[len(states)-1]
	require.Equal(t, domain.KindFinished, top.Kind)
	assert.Equal(t, domain.FinishMaxLength, top.Reason)
}

func TestTickStallGuard(t *testing.T) {
	model := memory.NewScriptedModel()
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards(),
		WithGuards(Guards{MaxBranchLength: 512, MaxIdleRounds: 2}))
	scope := scopeFor("stall")
	ctx := context.Background()

	// A ToolResult top with an unresolved sibling suspends without
	// progress; repeated ticks must not spin forever.
	_, err := f.stack.Push(ctx, scope, domain.NewUserMessage("go"))
	require.NoError(t, err)
	_, err = f.stack.Push(ctx, scope, domain.NewAssistantMessage("fan out", []domain.ToolCallRequest{
		{CallID: "c1", Name: "echo"}, {CallID: "c2", Name: "echo"},
	}, nil))
	require.NoError(t, err)
	_, err = f.stack.Push(ctx, scope, domain.NewWaiting(domain.WaitTool, "c1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = f.stack.Push(ctx, scope, domain.NewToolResult("c1", "one", nil))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.sched.Tick(ctx, scope))
	}

	top, err := f.stack.Current(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, domain.KindFinished, top.Kind)
	assert.Equal(t, domain.FinishExhausted, top.Reason)
}

func TestCancelTerminatesBranch(t *testing.T) {
	model := memory.NewScriptedModel(&domain.Reply{Text: "thinking", ToolCalls: []domain.ToolCallRequest{
		{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "x"}},
	}})
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("cancel")
	ctx := context.Background()

	require.NoError(t, f.sched.StartConversation(ctx, scope, "go"))
	f.drain(t, ports.QueueTools)

	require.NoError(t, f.sched.Cancel(ctx, scope))
	top, err := f.stack.Current(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, domain.KindFinished, top.Kind)
	assert.Equal(t, domain.FinishCancelled, top.Reason)

	// Cancelling again is a no-op.
	require.NoError(t, f.sched.Cancel(ctx, scope))

	// A late tool result is discarded into the record stream, not pushed.
	f.drain(t)
	top, err = f.stack.Current(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, domain.KindFinished, top.Kind)

	discarded := 0
	for _, rec := range f.records.Records() {
		if rec.Type == domain.RecordDiscardedResult {
			discarded++
		}
	}
	assert.Equal(t, 1, discarded)
}

func TestRespondResumesConversation(t *testing.T) {
	model := memory.NewScriptedModel(
		&domain.Reply{Text: "noted: blue"},
	)
	f := newFixture(t, model, executor.Observed{}, engine.DefaultGuards())
	scope := scopeFor("respond")
	ctx := context.Background()

	_, err := f.stack.Push(ctx, scope, domain.NewUserMessage("pick a color for me"))
	require.NoError(t, err)
	_, err = f.stack.Push(ctx, scope, domain.NewAssistantMessage("what kind of color?", nil, nil))
	require.NoError(t, err)

	require.NoError(t, f.sched.Respond(ctx, scope, "blue"))
	f.drain(t)

	states := f.states(t, scope)
	assert.Equal(t, []domain.StateKind{
		domain.KindUserMessage,
		domain.KindAssistantMessage,
		domain.KindUserResponse,
		domain.KindAssistantMessage,
		domain.KindFinished,
	}, kinds(states))
	assert.Equal(t, []string{"noted: blue"}, f.replies.Payloads())
}
