package domain

import (
	"time"

	"github.com/google/uuid"
)

// StateKind identifies the variant of a conversation state.
type StateKind string

const (
	KindUserMessage      StateKind = "user_message"
	KindUserResponse     StateKind = "user_response"
	KindAssistantMessage StateKind = "assistant_message"
	KindToolCall         StateKind = "tool_call"
	KindToolResult       StateKind = "tool_result"
	KindAgentCall        StateKind = "agent_call"
	KindAgentResult      StateKind = "agent_result"
	KindWaiting          StateKind = "waiting"
	KindFinished         StateKind = "finished"
)

// WaitKind says what a Waiting state is waiting for.
type WaitKind string

const (
	WaitTool  WaitKind = "tool"
	WaitAgent WaitKind = "agent"
	WaitModel WaitKind = "model"
	WaitHuman WaitKind = "human"
)

// FinishReason explains why a branch terminated.
type FinishReason string

const (
	FinishCompleted FinishReason = "completed"
	FinishCancelled FinishReason = "cancelled"
	FinishExhausted FinishReason = "exhausted_retries"
	FinishMaxLength FinishReason = "max_length"
	FinishDefect    FinishReason = "illegal_transition"
)

// ToolCallRequest is a pending tool invocation attached to an assistant message
// or carried by a ToolCall state. The CallID is stable across retries.
type ToolCallRequest struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// Delegation is a request to hand work to another agent.
type Delegation struct {
	TargetAgent string `json:"target_agent"`
	Message     string `json:"message"`
}

// State is one immutable step of a conversation. Position is assigned by the
// stack on push; everything else is set by the constructor and never mutated.
type State struct {
	Kind      StateKind `json:"kind"`
	Position  int64     `json:"position"`
	Episode   int       `json:"episode,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// UserMessage / UserResponse / AssistantMessage
	Text string `json:"text,omitempty"`

	// AssistantMessage: pending work requested by the model.
	PendingCalls []ToolCallRequest `json:"pending_calls,omitempty"`
	Delegation   *Delegation       `json:"delegation,omitempty"`
	Reflection   bool              `json:"reflection,omitempty"`

	// ToolCall / ToolResult
	Call      *ToolCallRequest `json:"call,omitempty"`
	Result    any              `json:"result,omitempty"`
	Reward    *float64         `json:"reward,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`

	// AgentCall / AgentResult
	CorrelationID string   `json:"correlation_id,omitempty"`
	Score         *float64 `json:"score,omitempty"`

	// Waiting
	WaitFor  WaitKind  `json:"wait_for,omitempty"`
	Deadline time.Time `json:"deadline,omitzero"`

	// Finished
	Reason FinishReason `json:"reason,omitempty"`
}

// Terminal reports whether no further pushes are legal after this state.
func (s *State) Terminal() bool {
	return s.Kind == KindFinished
}

// NewUserMessage creates the opening (or resuming) user turn.
func NewUserMessage(text string) *State {
	return &State{Kind: KindUserMessage, Text: text, CreatedAt: time.Now().UTC()}
}

// NewUserResponse creates a human reply to a waiting conversation.
func NewUserResponse(text string) *State {
	return &State{Kind: KindUserResponse, Text: text, CreatedAt: time.Now().UTC()}
}

// NewAssistantMessage creates a model turn, optionally carrying pending tool
// calls or a delegation request. Pending calls the model left without a call
// id are assigned one here: results correlate by call id, so the ids must be
// in the message before it is persisted, not invented later by a handler.
func NewAssistantMessage(text string, calls []ToolCallRequest, delegation *Delegation) *State {
	var pending []ToolCallRequest
	if len(calls) > 0 {
		pending = make([]ToolCallRequest, len(calls))
		copy(pending, calls)
		for i := range pending {
			if pending[i].CallID == "" {
				pending[i].CallID = uuid.NewString()
			}
		}
	}
	return &State{
		Kind:         KindAssistantMessage,
		Text:         text,
		PendingCalls: pending,
		Delegation:   delegation,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewReflection creates an assistant detour turn emitted after a tool result.
func NewReflection(text string) *State {
	s := NewAssistantMessage(text, nil, nil)
	s.Reflection = true
	return s
}

// NewToolCall records that a specific pending call is being dispatched.
func NewToolCall(call ToolCallRequest) *State {
	return &State{Kind: KindToolCall, Call: &call, CreatedAt: time.Now().UTC()}
}

// NewToolResult records a tool outcome. reward may be nil.
func NewToolResult(callID string, result any, reward *float64) *State {
	return &State{
		Kind:          KindToolResult,
		CorrelationID: callID,
		Result:        result,
		Reward:        reward,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewToolError records a failed tool outcome the agent can react to.
func NewToolError(callID, errorType, message string) *State {
	return &State{
		Kind:          KindToolResult,
		CorrelationID: callID,
		Result:        message,
		IsError:       true,
		ErrorType:     errorType,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewAgentCall records a delegation to another agent.
func NewAgentCall(correlationID, targetAgent, message string) *State {
	return &State{
		Kind:          KindAgentCall,
		CorrelationID: correlationID,
		Delegation:    &Delegation{TargetAgent: targetAgent, Message: message},
		CreatedAt:     time.Now().UTC(),
	}
}

// NewAgentResult records the outcome of a delegation, correlated back to the
// originating AgentCall. score may be nil.
func NewAgentResult(correlationID string, result any, score *float64) *State {
	return &State{
		Kind:          KindAgentResult,
		CorrelationID: correlationID,
		Result:        result,
		Score:         score,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewAgentError records a failed delegation outcome.
func NewAgentError(correlationID, errorType, message string) *State {
	return &State{
		Kind:          KindAgentResult,
		CorrelationID: correlationID,
		Result:        message,
		IsError:       true,
		ErrorType:     errorType,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewWaiting suspends the branch until the correlated result arrives or the
// deadline fires.
func NewWaiting(waitFor WaitKind, correlationID string, deadline time.Time) *State {
	return &State{
		Kind:          KindWaiting,
		WaitFor:       waitFor,
		CorrelationID: correlationID,
		Deadline:      deadline,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewFinished terminates the branch.
func NewFinished(reason FinishReason) *State {
	return &State{Kind: KindFinished, Reason: reason, CreatedAt: time.Now().UTC()}
}

// followers is the legal transition table. A push of kind K onto a top state of
// kind T is legal iff K is listed under T. An empty branch accepts only the
// kinds under kindEmpty.
//
// Waiting admits ToolCall and further Waiting so an assistant turn with
// several pending calls can dispatch them all before any result lands, and
// ToolResult admits ToolResult because parallel results arrive in any order.
var followers = map[StateKind][]StateKind{
	KindUserMessage:      {KindAssistantMessage, KindWaiting, KindFinished},
	KindUserResponse:     {KindAssistantMessage, KindWaiting, KindFinished},
	KindAssistantMessage: {KindToolCall, KindAgentCall, KindWaiting, KindUserResponse, KindFinished},
	KindToolCall:         {KindWaiting, KindToolResult, KindFinished},
	KindToolResult:       {KindAssistantMessage, KindToolCall, KindToolResult, KindWaiting, KindFinished},
	KindAgentCall:        {KindWaiting, KindAgentResult, KindFinished},
	KindAgentResult:      {KindAssistantMessage, KindWaiting, KindFinished},
	KindWaiting:          {KindToolResult, KindAgentResult, KindAssistantMessage, KindUserResponse, KindWaiting, KindToolCall, KindFinished},
	KindFinished:         {},
}

// kindEmpty lists the kinds accepted as position 0 of a fresh branch.
var kindEmpty = []StateKind{KindUserMessage, KindAssistantMessage}

// CanFollow reports whether next may legally be pushed on top of prev.
// prev == nil means the branch is empty.
func CanFollow(prev *State, next StateKind) bool {
	if prev == nil {
		for _, k := range kindEmpty {
			if k == next {
				return true
			}
		}
		return false
	}
	for _, k := range followers[prev.Kind] {
		if k == next {
			return true
		}
	}
	return false
}
