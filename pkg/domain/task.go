package domain

// Task payloads exchanged over the named queues. Every payload carries the
// call id used for idempotent handling downstream.

// TaskKind tags a queue payload.
type TaskKind string

const (
	TaskTick           TaskKind = "tick"
	TaskCallTool       TaskKind = "call_tool"
	TaskDeliverMessage TaskKind = "deliver_message"
	TaskDeliverResult  TaskKind = "deliver_result"
	TaskEvaluate       TaskKind = "evaluate"
	TaskReply          TaskKind = "reply"
)

// TickTask requests one tick of a branch.
type TickTask struct {
	Kind  TaskKind  `json:"kind"`
	Scope BranchRef `json:"scope"`
}

// ToolTask requests a tool invocation whose result is pushed back to Scope.
type ToolTask struct {
	Kind   TaskKind        `json:"kind"`
	Scope  BranchRef       `json:"scope"`
	CallID string          `json:"call_id"`
	Call   ToolCallRequest `json:"call"`
}

// DeliverMessageTask delivers a delegated message to the target agent's
// branch.
type DeliverMessageTask struct {
	Kind          TaskKind  `json:"kind"`
	Scope         BranchRef `json:"scope"` // delegating (parent) scope
	CallID        string    `json:"call_id"`
	TargetAgent   string    `json:"target_agent"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id"`
}

// DeliverResultTask routes a delegation result back to the waiting parent.
type DeliverResultTask struct {
	Kind          TaskKind  `json:"kind"`
	Scope         BranchRef `json:"scope"` // child scope that produced the result
	CallID        string    `json:"call_id"`
	CorrelationID string    `json:"correlation_id"`
	Result        any       `json:"result,omitempty"`
	Score         *float64  `json:"score,omitempty"`
	IsError       bool      `json:"is_error,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
}

// ReplyTask carries an outbound notification payload.
type ReplyTask struct {
	Kind    TaskKind  `json:"kind"`
	Scope   BranchRef `json:"scope"`
	CallID  string    `json:"call_id"`
	Payload string    `json:"payload"`
}
