package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/internal/adapters/memory"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/engine"
	"github.com/weftlab/weft/pkg/registry"
)

var testScope = domain.BranchRef{ConversationID: "conv-1", AgentID: "assistant", BranchID: domain.MainBranch}

// push seeds branch history; the tests below drive handlers directly, so the
// last pushed state doubles as the tick top.
func push(t *testing.T, stack *memory.Stack, states ...*domain.State) *domain.State {
	t.Helper()
	var top *domain.State
	for _, s := range states {
		_, err := stack.Push(context.Background(), testScope, s)
		require.NoError(t, err)
		top = s
	}
	return top
}

func newHandlers(model *memory.ScriptedModel) *engine.Handlers {
	return engine.New(model, registry.New(), engine.DefaultGuards())
}

func TestHandleUserTurnAsksModel(t *testing.T) {
	stack := memory.NewStack()
	model := memory.NewScriptedModel(&domain.Reply{
		Text:      "let me check",
		ToolCalls: []domain.ToolCallRequest{{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "hi"}}},
	})
	h := newHandlers(model)

	top := push(t, stack, domain.NewUserMessage("what is up?"))
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	require.Len(t, out.Pushes, 1)
	assert.Equal(t, domain.KindAssistantMessage, out.Pushes[0].Kind)
	assert.Equal(t, "let me check", out.Pushes[0].Text)
	require.Len(t, out.Pushes[0].PendingCalls, 1)
	assert.Empty(t, out.Effects, "dispatch happens on the assistant tick, not here")

	require.Len(t, model.Asked, 1)
	assert.Equal(t, []domain.Message{{Role: "user", Content: "what is up?"}}, model.Asked[0])
}

func TestHandleAssistantDispatchesToolCalls(t *testing.T) {
	stack := memory.NewStack()
	h := newHandlers(memory.NewScriptedModel())

	top := push(t, stack,
		domain.NewUserMessage("compare"),
		domain.NewAssistantMessage("checking both", []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo", Args: map[string]any{"msg": "a"}},
			{CallID: "c2", Name: "echo", Args: map[string]any{"msg": "b"}},
		}, nil),
	)
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	assert.True(t, out.Suspend)
	require.Len(t, out.Pushes, 4)
	assert.Equal(t, domain.KindToolCall, out.Pushes[0].Kind)
	assert.Equal(t, domain.KindWaiting, out.Pushes[1].Kind)
	assert.Equal(t, "c1", out.Pushes[1].CorrelationID)
	assert.Equal(t, domain.KindToolCall, out.Pushes[2].Kind)
	assert.Equal(t, domain.KindWaiting, out.Pushes[3].Kind)

	require.Len(t, out.Effects, 2)
	assert.Equal(t, domain.EffectCallTool, out.Effects[0].Kind)
	assert.Equal(t, "c1", out.Effects[0].CallID)
	assert.Equal(t, "c2", out.Effects[1].CallID)
}

func TestHandleAssistantDelegates(t *testing.T) {
	stack := memory.NewStack()
	h := newHandlers(memory.NewScriptedModel())

	top := push(t, stack,
		domain.NewUserMessage("research this"),
		domain.NewAssistantMessage("handing off", nil, &domain.Delegation{
			TargetAgent: "researcher", Message: "dig into it",
		}),
	)
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	assert.True(t, out.Suspend)
	require.Len(t, out.Pushes, 2)
	assert.Equal(t, domain.KindAgentCall, out.Pushes[0].Kind)
	assert.Equal(t, 1, out.Pushes[0].Episode, "delegation opens a new episode")
	assert.Equal(t, domain.KindWaiting, out.Pushes[1].Kind)
	assert.Equal(t, domain.WaitAgent, out.Pushes[1].WaitFor)

	require.Len(t, out.Effects, 1)
	assert.Equal(t, domain.EffectPushToAgent, out.Effects[0].Kind)
	assert.Equal(t, "researcher", out.Effects[0].TargetAgent)
	assert.Equal(t, out.Pushes[0].CorrelationID, out.Effects[0].CorrelationID)
}

func TestHandleAssistantPublishesAndFinishes(t *testing.T) {
	stack := memory.NewStack()
	h := newHandlers(memory.NewScriptedModel())

	top := push(t, stack,
		domain.NewUserMessage("hi"),
		domain.NewAssistantMessage("hello!", nil, nil),
	)
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	require.Len(t, out.Pushes, 1)
	assert.Equal(t, domain.KindFinished, out.Pushes[0].Kind)
	assert.Equal(t, domain.FinishCompleted, out.Pushes[0].Reason)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, domain.EffectPublishReply, out.Effects[0].Kind)
	assert.Equal(t, "hello!", out.Effects[0].Payload)
}

func TestHandleResultWaitsForSiblings(t *testing.T) {
	stack := memory.NewStack()
	model := memory.NewScriptedModel()
	h := newHandlers(model)

	top := push(t, stack,
		domain.NewUserMessage("compare"),
		domain.NewAssistantMessage("checking", []domain.ToolCallRequest{
			{CallID: "c1", Name: "echo"}, {CallID: "c2", Name: "echo"},
		}, nil),
		domain.NewWaiting(domain.WaitTool, "c1", time.Now().Add(time.Minute)),
		domain.NewToolResult("c1", "first", nil),
	)
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	assert.True(t, out.Suspend)
	assert.Empty(t, out.Pushes)
	assert.Empty(t, model.Asked, "the model is not consulted while siblings are in flight")
}

func TestHandleResultResumes(t *testing.T) {
	stack := memory.NewStack()
	model := memory.NewScriptedModel(&domain.Reply{Text: "all done", Done: true})
	h := newHandlers(model)

	top := push(t, stack,
		domain.NewUserMessage("do it"),
		domain.NewAssistantMessage("on it", []domain.ToolCallRequest{{CallID: "c1", Name: "echo"}}, nil),
		domain.NewWaiting(domain.WaitTool, "c1", time.Now().Add(time.Minute)),
		domain.NewToolResult("c1", "done", nil),
	)
	out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
	require.NoError(t, err)

	require.Len(t, out.Pushes, 1)
	assert.Equal(t, domain.KindFinished, out.Pushes[0].Kind)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, "all done", out.Effects[0].Payload)
	require.Len(t, model.Asked, 1)
}

func TestReflectionDetourIsBounded(t *testing.T) {
	guards := engine.DefaultGuards()
	guards.MaxReflections = 2

	seed := func(t *testing.T, stack *memory.Stack) *domain.State {
		return push(t, stack,
			domain.NewUserMessage("think hard"),
			domain.NewAssistantMessage("working", []domain.ToolCallRequest{{CallID: "c1", Name: "echo"}}, nil),
			domain.NewWaiting(domain.WaitTool, "c1", time.Now().Add(time.Minute)),
			domain.NewToolResult("c1", "data", nil),
		)
	}

	t.Run("under the bound a reflection is pushed", func(t *testing.T) {
		stack := memory.NewStack()
		model := memory.NewScriptedModel(&domain.Reply{Text: "hmm, interesting"})
		h := engine.New(model, registry.New(), guards)

		top := seed(t, stack)
		out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
		require.NoError(t, err)

		require.Len(t, out.Pushes, 1)
		assert.Equal(t, domain.KindAssistantMessage, out.Pushes[0].Kind)
		assert.True(t, out.Pushes[0].Reflection)
	})

	t.Run("at the bound continuation is forced", func(t *testing.T) {
		stack := memory.NewStack()
		model := memory.NewScriptedModel(&domain.Reply{Text: "still thinking"})
		h := engine.New(model, registry.New(), guards)

		top := seed(t, stack)
		push(t, stack, domain.NewReflection("hmm"))
		push(t, stack, domain.NewWaiting(domain.WaitModel, "", time.Now().Add(time.Minute)))
		push(t, stack, domain.NewReflection("hmm again"))
		out, err := h.Handle(context.Background(), &engine.Tick{Scope: testScope, Top: top, Stack: stack})
		require.NoError(t, err)

		require.Len(t, out.Pushes, 1)
		assert.Equal(t, domain.KindAssistantMessage, out.Pushes[0].Kind)
		assert.False(t, out.Pushes[0].Reflection, "the bound forces a plain assistant turn")
	})
}

func TestHandleTerminalTopSuspends(t *testing.T) {
	stack := memory.NewStack()
	h := newHandlers(memory.NewScriptedModel())

	out, err := h.Handle(context.Background(), &engine.Tick{
		Scope: testScope,
		Top:   domain.NewFinished(domain.FinishCompleted),
		Stack: stack,
	})
	require.NoError(t, err)
	assert.True(t, out.Suspend)
	assert.Empty(t, out.Pushes)
}

func TestRenderLastN(t *testing.T) {
	stack := memory.NewStack()
	push(t, stack,
		domain.NewUserMessage("hi"),
		domain.NewAssistantMessage("checking", []domain.ToolCallRequest{{CallID: "c1", Name: "echo"}}, nil),
		domain.NewToolCall(domain.ToolCallRequest{CallID: "c1", Name: "echo"}),
		domain.NewWaiting(domain.WaitTool, "c1", time.Now().Add(time.Minute)),
		domain.NewToolResult("c1", map[string]any{"temp": 21}, nil),
		domain.NewWaiting(domain.WaitModel, "", time.Now().Add(time.Minute)),
		domain.NewToolError("c2", domain.ErrorTypeTimeout, "tool timed out"),
	)

	full, err := engine.RenderLastN(context.Background(), stack, testScope, 64, engine.RenderFull)
	require.NoError(t, err)
	require.Len(t, full, 4, "waiting and tool_call states do not render")
	assert.Equal(t, "user", full[0].Role)
	assert.Equal(t, "assistant", full[1].Role)
	assert.Equal(t, "tool", full[2].Role)
	assert.JSONEq(t, `{"temp":21}`, full[2].Content)
	assert.Equal(t, "[timeout] tool timed out", full[3].Content)

	compact, err := engine.RenderLastN(context.Background(), stack, testScope, 64, engine.RenderCompact)
	require.NoError(t, err)
	require.Len(t, compact, 4)
	assert.Equal(t, "[ok]", compact[2].Content, "compact elides successful result bodies")
	assert.Equal(t, "[timeout] tool timed out", compact[3].Content, "errors always render")
}
