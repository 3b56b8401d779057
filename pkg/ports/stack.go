package ports

import (
	"context"

	"github.com/weftlab/weft/pkg/domain"
)

// StateIter is a lazy, restartable cursor over a position range of a branch.
// Next returns states in ascending position order; after exhaustion (or an
// error) Reset rewinds it to the start of the range.
type StateIter interface {
	Next(ctx context.Context) (*domain.State, bool, error)
	Reset()
}

// Stack is the interaction stack: an append-mostly, branchable sequence of
// states per (conversation, agent, branch), backed by a shared store.
//
// Push assigns the next position atomically; concurrent pushes from different
// processes never collide. Fork is non-destructive and shares the prefix
// below the fork point with its source. Rewind is destructive; callers
// needing safety fork first.
type Stack interface {
	// Push validates the transition, appends the state and returns the
	// assigned position. Returns domain.ErrBranchTerminated on finished
	// branches and domain.ErrIllegalTransition on illegal pushes.
	Push(ctx context.Context, ref domain.BranchRef, s *domain.State) (int64, error)

	// Current returns the top state, or (nil, nil) on an empty branch.
	Current(ctx context.Context, ref domain.BranchRef) (*domain.State, error)

	// Len returns the branch length (next position to be assigned).
	Len(ctx context.Context, ref domain.BranchRef) (int64, error)

	// Get returns the state at an absolute position, resolving through
	// parent branches below the fork point.
	Get(ctx context.Context, ref domain.BranchRef, position int64) (*domain.State, error)

	// Range returns states at positions [from, to) in order.
	Range(ctx context.Context, ref domain.BranchRef, from, to int64) ([]*domain.State, error)

	// IterLastN returns a restartable cursor over the last n states.
	IterLastN(ctx context.Context, ref domain.BranchRef, n int64) (StateIter, error)

	// Fork creates a new branch diverging from ref at position at and
	// returns its id. The source is not mutated.
	Fork(ctx context.Context, ref domain.BranchRef, at int64) (string, error)

	// Checkout makes branchID the active branch for the agent's subsequent
	// pushes. A pointer update, not a copy.
	Checkout(ctx context.Context, ref domain.BranchRef, branchID string) error

	// ActiveBranch returns the agent's active branch id (MainBranch when
	// never checked out).
	ActiveBranch(ctx context.Context, conversationID, agentID string) (string, error)

	// Rewind truncates the branch to length to, discarding [to, end).
	// Returns domain.ErrRewindOutOfRange when to >= length and
	// domain.ErrBranchForked when a child branch forked above to.
	Rewind(ctx context.Context, ref domain.BranchRef, to int64) error

	// Meta returns the branch metadata.
	Meta(ctx context.Context, ref domain.BranchRef) (*domain.BranchMeta, error)

	// Branches lists the branch ids of an agent's conversation.
	Branches(ctx context.Context, conversationID, agentID string) ([]string, error)

	// Agents lists the agent ids participating in a conversation.
	Agents(ctx context.Context, conversationID string) ([]string, error)

	// Prune destroys every branch of a conversation.
	Prune(ctx context.Context, conversationID string) error
}
