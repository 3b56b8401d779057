package domain

// EffectKind identifies the variant of an effect.
type EffectKind string

const (
	EffectCallTool        EffectKind = "call_tool"
	EffectPushToAgent     EffectKind = "push_to_agent"
	EffectPushAgentResult EffectKind = "push_agent_result"
	EffectPublishReply    EffectKind = "publish_reply"
)

// Effect describes side-effecting work requested by a handler. Effects are
// commands, not events: executing one must be idempotent with respect to its
// CallID when retried.
type Effect struct {
	Kind   EffectKind `json:"kind"`
	Scope  BranchRef  `json:"scope"`
	CallID string     `json:"call_id"`

	// CallTool
	Tool ToolCallRequest `json:"tool,omitzero"`

	// PushToAgent
	TargetAgent   string `json:"target_agent,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// PushAgentResult
	Result    any      `json:"result,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	ErrorType string   `json:"error_type,omitempty"`

	// PublishReply
	Payload string `json:"payload,omitempty"`
}

// CallToolEffect builds a CallTool effect. The tool call's own id doubles as
// the effect call id, so retries of the same pending call collapse.
func CallToolEffect(scope BranchRef, call ToolCallRequest) Effect {
	return Effect{Kind: EffectCallTool, Scope: scope, CallID: call.CallID, Tool: call}
}

// PushToAgentEffect builds a delegation effect toward targetAgent.
func PushToAgentEffect(scope BranchRef, callID, targetAgent, message, correlationID string) Effect {
	return Effect{
		Kind:          EffectPushToAgent,
		Scope:         scope,
		CallID:        callID,
		TargetAgent:   targetAgent,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// PushAgentResultEffect routes a delegation outcome back to the waiting
// parent identified by correlationID.
func PushAgentResultEffect(scope BranchRef, callID, correlationID string, result any, score *float64) Effect {
	return Effect{
		Kind:          EffectPushAgentResult,
		Scope:         scope,
		CallID:        callID,
		CorrelationID: correlationID,
		Result:        result,
		Score:         score,
	}
}

// PushAgentErrorEffect routes a failed delegation outcome back to the waiting
// parent.
func PushAgentErrorEffect(scope BranchRef, callID, correlationID, errorType string, message any) Effect {
	return Effect{
		Kind:          EffectPushAgentResult,
		Scope:         scope,
		CallID:        callID,
		CorrelationID: correlationID,
		Result:        message,
		IsError:       true,
		ErrorType:     errorType,
	}
}

// PublishReplyEffect builds an outbound notification effect.
func PublishReplyEffect(scope BranchRef, callID, payload string) Effect {
	return Effect{Kind: EffectPublishReply, Scope: scope, CallID: callID, Payload: payload}
}
