// Package engine holds the state handlers: the only place transition logic
// lives. A handler maps (top state, tick context) to new states to push and
// effects to execute; it performs no I/O against the store beyond reading
// history, and collaborator outputs reach it through the injected clients, so
// it stays deterministic given identical inputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/internal/logging"
	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// Guards bound runaway behavior inside handlers.
type Guards struct {
	MaxReflections int
	WaitDeadline   time.Duration
	RenderLastN    int64
	RenderPolicy   RenderPolicy
}

// DefaultGuards mirror the config defaults.
func DefaultGuards() Guards {
	return Guards{
		MaxReflections: 3,
		WaitDeadline:   2 * time.Minute,
		RenderLastN:    64,
		RenderPolicy:   RenderFull,
	}
}

// Tick is the context a handler receives: the branch scope, its top state and
// read access to history. It is constructed per tick and torn down with it.
type Tick struct {
	Scope domain.BranchRef
	Top   *domain.State
	Stack ports.Stack
}

// Outcome is what a handler returns. Suspend means the branch should not be
// requeued until an external result arrives or a deadline fires.
type Outcome struct {
	Pushes  []*domain.State
	Effects []domain.Effect
	Suspend bool
}

// Handler processes one state variant.
type Handler func(ctx context.Context, tick *Tick) (Outcome, error)

// Handlers is the dispatch table, statically populated at construction.
type Handlers struct {
	model  ports.ModelClient
	tools  ports.ToolRunner
	guards Guards
	logger *slog.Logger

	table map[domain.StateKind]Handler
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) { h.logger = logger }
}

// New builds the dispatch table.
func New(model ports.ModelClient, tools ports.ToolRunner, guards Guards, opts ...Option) *Handlers {
	h := &Handlers{
		model:  model,
		tools:  tools,
		guards: guards,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.table = map[domain.StateKind]Handler{
		domain.KindUserMessage:      h.handleUserTurn,
		domain.KindUserResponse:     h.handleUserTurn,
		domain.KindAssistantMessage: h.handleAssistant,
		domain.KindToolCall:         h.handleToolCall,
		domain.KindToolResult:       h.handleResult,
		domain.KindAgentResult:      h.handleResult,
		domain.KindAgentCall:        h.handleAgentCall,
		domain.KindWaiting:          h.handleWaiting,
	}
	return h
}

// Handle dispatches the top state to its handler. An unknown kind is a
// defect.
func (h *Handlers) Handle(ctx context.Context, tick *Tick) (Outcome, error) {
	if tick.Top == nil {
		return Outcome{Suspend: true}, nil
	}
	if tick.Top.Terminal() {
		return Outcome{Suspend: true}, nil
	}
	handler, ok := h.table[tick.Top.Kind]
	if !ok {
		return Outcome{}, fmt.Errorf("no handler registered for state kind %q", tick.Top.Kind)
	}
	return handler(ctx, tick)
}

// handleUserTurn asks the model for the next assistant turn.
func (h *Handlers) handleUserTurn(ctx context.Context, tick *Tick) (Outcome, error) {
	reply, err := h.ask(ctx, tick)
	if err != nil {
		return Outcome{}, err
	}
	if reply.Done && reply.Text == "" {
		return Outcome{Pushes: []*domain.State{h.inherit(tick, domain.NewFinished(domain.FinishCompleted))}}, nil
	}
	msg := domain.NewAssistantMessage(reply.Text, reply.ToolCalls, reply.Delegation)
	return Outcome{Pushes: []*domain.State{h.inherit(tick, msg)}}, nil
}

// handleAssistant dispatches the assistant's requested work, or completes the
// conversation when there is none.
func (h *Handlers) handleAssistant(ctx context.Context, tick *Tick) (Outcome, error) {
	top := tick.Top

	if len(top.PendingCalls) > 0 {
		out := Outcome{Suspend: true}
		deadline := time.Now().Add(h.guards.WaitDeadline)
		for _, call := range top.PendingCalls {
			// Constructors guarantee a call id on every persisted
			// pending call; the Waiting state and the effect reuse it.
			out.Pushes = append(out.Pushes,
				h.inherit(tick, domain.NewToolCall(call)),
				h.inherit(tick, domain.NewWaiting(domain.WaitTool, call.CallID, deadline)),
			)
			out.Effects = append(out.Effects, domain.CallToolEffect(tick.Scope, call))
		}
		return out, nil
	}

	if top.Delegation != nil {
		correlationID := uuid.NewString()
		deadline := time.Now().Add(h.guards.WaitDeadline)
		agentCall := h.inherit(tick, domain.NewAgentCall(correlationID, top.Delegation.TargetAgent, top.Delegation.Message))
		agentCall.Episode = top.Episode + 1 // Delegation opens a new episode.
		return Outcome{
			Pushes: []*domain.State{
				agentCall,
				h.inherit(tick, domain.NewWaiting(domain.WaitAgent, correlationID, deadline)),
			},
			Effects: []domain.Effect{
				domain.PushToAgentEffect(tick.Scope, correlationID, top.Delegation.TargetAgent, top.Delegation.Message, correlationID),
			},
			Suspend: true,
		}, nil
	}

	if top.Reflection {
		// A reflection turn continues the conversation instead of
		// closing it.
		reply, err := h.ask(ctx, tick)
		if err != nil {
			return Outcome{}, err
		}
		return h.continueWith(tick, reply)
	}

	// Nothing pending: surface the reply and finish.
	return Outcome{
		Pushes: []*domain.State{h.inherit(tick, domain.NewFinished(domain.FinishCompleted))},
		Effects: []domain.Effect{
			domain.PublishReplyEffect(tick.Scope, uuid.NewString(), top.Text),
		},
	}, nil
}

// handleToolCall is reached when a ToolCall was pushed without its Waiting
// companion (crash between pushes). It re-arms the wait; the executor's
// idempotency markers absorb the duplicate effect.
func (h *Handlers) handleToolCall(_ context.Context, tick *Tick) (Outcome, error) {
	call := tick.Top.Call
	if call == nil {
		return Outcome{}, fmt.Errorf("tool_call state without call payload on %s", tick.Scope)
	}
	deadline := time.Now().Add(h.guards.WaitDeadline)
	return Outcome{
		Pushes:  []*domain.State{h.inherit(tick, domain.NewWaiting(domain.WaitTool, call.CallID, deadline))},
		Effects: []domain.Effect{domain.CallToolEffect(tick.Scope, *call)},
		Suspend: true,
	}, nil
}

// handleAgentCall mirrors handleToolCall for a bare AgentCall top.
func (h *Handlers) handleAgentCall(_ context.Context, tick *Tick) (Outcome, error) {
	top := tick.Top
	if top.Delegation == nil {
		return Outcome{}, fmt.Errorf("agent_call state without delegation payload on %s", tick.Scope)
	}
	deadline := time.Now().Add(h.guards.WaitDeadline)
	return Outcome{
		Pushes: []*domain.State{h.inherit(tick, domain.NewWaiting(domain.WaitAgent, top.CorrelationID, deadline))},
		Effects: []domain.Effect{
			domain.PushToAgentEffect(tick.Scope, top.CorrelationID, top.Delegation.TargetAgent, top.Delegation.Message, top.CorrelationID),
		},
		Suspend: true,
	}, nil
}

// handleResult resumes the conversation once every pending call of the last
// assistant turn has a result.
func (h *Handlers) handleResult(ctx context.Context, tick *Tick) (Outcome, error) {
	unresolved, err := h.unresolvedCalls(ctx, tick)
	if err != nil {
		return Outcome{}, err
	}
	if unresolved > 0 {
		// Sibling calls still in flight; their arrival re-ticks us.
		return Outcome{Suspend: true}, nil
	}

	reply, err := h.ask(ctx, tick)
	if err != nil {
		return Outcome{}, err
	}
	return h.continueWith(tick, reply)
}

// handleWaiting suspends; result arrival or the scheduler's deadline
// synthesis moves the branch forward.
func (h *Handlers) handleWaiting(_ context.Context, _ *Tick) (Outcome, error) {
	return Outcome{Suspend: true}, nil
}

// continueWith turns a model reply into the next push, applying the
// reflection bound.
func (h *Handlers) continueWith(tick *Tick, reply *domain.Reply) (Outcome, error) {
	if reply.Done {
		out := Outcome{Pushes: []*domain.State{h.inherit(tick, domain.NewFinished(domain.FinishCompleted))}}
		if reply.Text != "" {
			out.Effects = append(out.Effects, domain.PublishReplyEffect(tick.Scope, uuid.NewString(), reply.Text))
		}
		return out, nil
	}

	if len(reply.ToolCalls) > 0 || reply.Delegation != nil {
		msg := domain.NewAssistantMessage(reply.Text, reply.ToolCalls, reply.Delegation)
		return Outcome{Pushes: []*domain.State{h.inherit(tick, msg)}}, nil
	}

	// Text only, not done: a reflection detour, bounded so it can never
	// loop forever.
	reflections, err := h.countReflections(tick)
	if err != nil {
		return Outcome{}, err
	}
	if reflections < h.guards.MaxReflections {
		return Outcome{Pushes: []*domain.State{h.inherit(tick, domain.NewReflection(reply.Text))}}, nil
	}

	h.logger.Debug("reflection bound reached, forcing continuation",
		"scope", tick.Scope.String(), "reflections", reflections)
	return Outcome{Pushes: []*domain.State{h.inherit(tick, domain.NewAssistantMessage(reply.Text, nil, nil))}}, nil
}

// inherit stamps the new state with the current episode unless the
// constructor already advanced it.
func (h *Handlers) inherit(tick *Tick, s *domain.State) *domain.State {
	if s.Episode == 0 && tick.Top != nil {
		s.Episode = tick.Top.Episode
	}
	return s
}

// ask renders the recent history and queries the model client.
func (h *Handlers) ask(ctx context.Context, tick *Tick) (*domain.Reply, error) {
	history, err := RenderLastN(ctx, tick.Stack, tick.Scope, h.guards.RenderLastN, h.guards.RenderPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to render history: %w", err)
	}
	reply, err := h.model.Ask(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("model client failed: %w", err)
	}
	return reply, nil
}

// unresolvedCalls counts pending calls of the most recent assistant turn that
// have no result yet.
func (h *Handlers) unresolvedCalls(ctx context.Context, tick *Tick) (int, error) {
	it, err := tick.Stack.IterLastN(ctx, tick.Scope, h.guards.RenderLastN)
	if err != nil {
		return 0, err
	}

	var pending []domain.ToolCallRequest
	resolved := make(map[string]bool)
	for {
		s, ok, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		switch s.Kind {
		case domain.KindAssistantMessage:
			pending = append([]domain.ToolCallRequest{}, s.PendingCalls...)
			resolved = make(map[string]bool)
		case domain.KindToolResult, domain.KindAgentResult:
			resolved[s.CorrelationID] = true
		}
	}

	n := 0
	for _, call := range pending {
		if !resolved[call.CallID] {
			n++
		}
	}
	return n, nil
}

// countReflections counts reflection turns since the last non-assistant
// anchor, bounding the detour.
func (h *Handlers) countReflections(tick *Tick) (int, error) {
	it, err := tick.Stack.IterLastN(context.Background(), tick.Scope, h.guards.RenderLastN)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		s, ok, err := it.Next(context.Background())
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if s.Kind == domain.KindAssistantMessage && s.Reflection {
			n++
		}
	}
	return n, nil
}
