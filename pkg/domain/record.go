package domain

import "time"

// RecordType classifies an artifact record.
type RecordType string

const (
	RecordPush            RecordType = "push"
	RecordEffect          RecordType = "effect"
	RecordDiscardedResult RecordType = "discarded_result"
)

// Record is one append-only entry of the artifact/event stream. The engine
// emits these on every push and effect execution and never reads them back.
type Record struct {
	Ref            string     `json:"ref"`
	ConversationID string     `json:"conversation_id"`
	AgentID        string     `json:"agent_id"`
	BranchID       string     `json:"branch_id"`
	EpisodeID      int        `json:"episode_id,omitempty"`
	Type           RecordType `json:"type"`
	Timestamp      time.Time  `json:"timestamp"`
	Payload        any        `json:"payload,omitempty"`
}
