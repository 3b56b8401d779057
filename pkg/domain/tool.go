package domain

import "time"

// Tool describes a registered tool. The engine knows a tool only by its name,
// schema and declared properties; implementations live behind ports.ToolRunner.
type Tool struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name"`
	Description string         `json:"description" yaml:"description" mapstructure:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" mapstructure:"parameters"`

	// SideEffectFree tools are exempt from strict dedup refusal.
	SideEffectFree bool `json:"side_effect_free,omitempty" yaml:"side_effect_free,omitempty" mapstructure:"side_effect_free"`

	// CacheTTL > 0 enables result caching keyed by name + argument hash.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty" mapstructure:"cache_ttl"`

	// NeedsScope passes conversation/agent/branch ids to the implementation.
	NeedsScope bool `json:"needs_scope,omitempty" yaml:"needs_scope,omitempty" mapstructure:"needs_scope"`
}

// ToolStatus is the outcome status of a tool invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolFailure ToolStatus = "error"
)

// ToolOutput is what a tool implementation returns to the engine.
type ToolOutput struct {
	Status    ToolStatus `json:"status"`
	Data      any        `json:"data,omitempty"`
	Message   string     `json:"message,omitempty"`
	ErrorType string     `json:"error_type,omitempty"`
}

// ToolScope carries the ids a scope-aware tool may receive.
type ToolScope struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	BranchID       string `json:"branch_id"`
}

// Reply is the model client's answer to a rendered history: free text plus
// optional requested work. Done signals explicit completion.
type Reply struct {
	Text       string            `json:"text"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	Delegation *Delegation       `json:"delegation,omitempty"`
	Done       bool              `json:"done,omitempty"`
}

// Message is one entry of a rendered history handed to the model client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
