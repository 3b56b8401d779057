package domain

import (
	"fmt"
	"time"
)

// MainBranch is the id of the implicit first branch of every agent's
// conversation. It has no parent.
const MainBranch = "main"

// BranchRef addresses one branch of one agent's conversation. It is the scope
// of every stack operation, effect and fence.
type BranchRef struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	BranchID       string `json:"branch_id"`
}

// String renders the ref in the conversation/agent/branch form used in keys
// and log lines.
func (r BranchRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.ConversationID, r.AgentID, r.BranchID)
}

// WithBranch returns the same scope pointed at a different branch id.
func (r BranchRef) WithBranch(branchID string) BranchRef {
	r.BranchID = branchID
	return r
}

// BranchMeta is the stored metadata of a branch. ParentID is empty for main;
// ForkPoint is the position in the parent at which this branch diverged, and
// positions below it resolve to the parent's states (structural sharing).
type BranchMeta struct {
	BranchID  string    `json:"branch_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	ForkPoint int64     `json:"fork_point"`
	CreatedAt time.Time `json:"created_at"`
}
