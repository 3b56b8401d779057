// Package memory provides in-process implementations of the engine's ports.
// They exist to back unit tests and single-process experiments; production
// deployments use the redis adapters.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

type branch struct {
	meta   domain.BranchMeta
	states []*domain.State
}

type agentSpace struct {
	branches map[string]*branch
	active   string
}

// Stack implements ports.Stack in memory. A single mutex stands in for the
// store's atomic operations; the observable contract matches the redis stack.
type Stack struct {
	mu     sync.Mutex
	convos map[string]map[string]*agentSpace // conversation -> agent -> space
}

// NewStack creates an empty in-memory stack.
func NewStack() *Stack {
	return &Stack{convos: make(map[string]map[string]*agentSpace)}
}

func (s *Stack) space(conversationID, agentID string) *agentSpace {
	agents, ok := s.convos[conversationID]
	if !ok {
		agents = make(map[string]*agentSpace)
		s.convos[conversationID] = agents
	}
	sp, ok := agents[agentID]
	if !ok {
		sp = &agentSpace{branches: make(map[string]*branch), active: domain.MainBranch}
		agents[agentID] = sp
	}
	return sp
}

func (s *Stack) branch(ref domain.BranchRef, create bool) (*branch, error) {
	sp := s.space(ref.ConversationID, ref.AgentID)
	br, ok := sp.branches[ref.BranchID]
	if !ok {
		// Root branches (main, delegation branches) come to exist on
		// first touch; forked branches are registered by Fork.
		if !create {
			return nil, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, ref)
		}
		br = &branch{meta: domain.BranchMeta{BranchID: ref.BranchID, CreatedAt: time.Now().UTC()}}
		sp.branches[ref.BranchID] = br
	}
	return br, nil
}

// length is the absolute branch length including the shared prefix.
func (s *Stack) length(ref domain.BranchRef, br *branch) int64 {
	return br.meta.ForkPoint + int64(len(br.states))
}

func (s *Stack) get(ref domain.BranchRef, br *branch, pos int64) (*domain.State, error) {
	cur := br
	curRef := ref
	for pos < cur.meta.ForkPoint {
		curRef = curRef.WithBranch(cur.meta.ParentID)
		parent, err := s.branch(curRef, false)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	idx := pos - cur.meta.ForkPoint
	if idx < 0 || idx >= int64(len(cur.states)) {
		return nil, fmt.Errorf("%w: %s position %d", domain.ErrBranchNotFound, ref, pos)
	}
	return cur.states[idx], nil
}

// Push appends a state and returns the assigned position.
func (s *Stack) Push(_ context.Context, ref domain.BranchRef, state *domain.State) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, true)
	if err != nil {
		return 0, err
	}

	var top *domain.State
	if n := s.length(ref, br); n > 0 {
		top, err = s.get(ref, br, n-1)
		if err != nil {
			return 0, err
		}
	}
	if top != nil && top.Terminal() {
		return 0, fmt.Errorf("%w: %s", domain.ErrBranchTerminated, ref)
	}
	if !domain.CanFollow(top, state.Kind) {
		prev := "empty"
		if top != nil {
			prev = string(top.Kind)
		}
		return 0, fmt.Errorf("%w: %s -> %s on %s", domain.ErrIllegalTransition, prev, state.Kind, ref)
	}

	pos := s.length(ref, br)
	clone := *state
	clone.Position = pos
	br.states = append(br.states, &clone)
	return pos, nil
}

// Current returns the top state or (nil, nil) on an empty branch.
func (s *Stack) Current(_ context.Context, ref domain.BranchRef) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return nil, nil // Unknown branch reads as empty, like the redis stack.
	}
	n := s.length(ref, br)
	if n == 0 {
		return nil, nil
	}
	return s.get(ref, br, n-1)
}

// Len returns the branch length.
func (s *Stack) Len(_ context.Context, ref domain.BranchRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return 0, nil
	}
	return s.length(ref, br), nil
}

// Get returns the state at position, resolving through parents.
func (s *Stack) Get(_ context.Context, ref domain.BranchRef, position int64) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return nil, err
	}
	return s.get(ref, br, position)
}

// Range returns states at positions [from, to).
func (s *Stack) Range(_ context.Context, ref domain.BranchRef, from, to int64) ([]*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	states := make([]*domain.State, 0)
	for pos := from; pos < to; pos++ {
		st, err := s.get(ref, br, pos)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// IterLastN returns a restartable cursor over the last n states.
func (s *Stack) IterLastN(ctx context.Context, ref domain.BranchRef, n int64) (ports.StateIter, error) {
	length, err := s.Len(ctx, ref)
	if err != nil {
		return nil, err
	}
	from := length - n
	if from < 0 {
		from = 0
	}
	return &iter{stack: s, ref: ref, from: from, to: length, pos: from}, nil
}

type iter struct {
	stack    *Stack
	ref      domain.BranchRef
	from, to int64
	pos      int64
}

func (it *iter) Next(ctx context.Context) (*domain.State, bool, error) {
	if it.pos >= it.to {
		return nil, false, nil
	}
	st, err := it.stack.Get(ctx, it.ref, it.pos)
	if err != nil {
		return nil, false, err
	}
	it.pos++
	return st, true, nil
}

func (it *iter) Reset() { it.pos = it.from }

// Fork creates a structurally shared branch diverging at position at.
func (s *Stack) Fork(_ context.Context, ref domain.BranchRef, at int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return "", err
	}
	if at < 0 || at > s.length(ref, br) {
		return "", fmt.Errorf("fork point %d outside branch of length %d", at, s.length(ref, br))
	}

	childID := uuid.NewString()
	sp := s.space(ref.ConversationID, ref.AgentID)
	sp.branches[childID] = &branch{
		meta: domain.BranchMeta{
			BranchID:  childID,
			ParentID:  ref.BranchID,
			ForkPoint: at,
			CreatedAt: time.Now().UTC(),
		},
	}
	return childID, nil
}

// Checkout updates the agent's active branch pointer.
func (s *Stack) Checkout(_ context.Context, ref domain.BranchRef, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.space(ref.ConversationID, ref.AgentID)
	if _, ok := sp.branches[branchID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrBranchNotFound, ref.WithBranch(branchID))
	}
	sp.active = branchID
	return nil
}

// ActiveBranch returns the agent's active branch id.
func (s *Stack) ActiveBranch(_ context.Context, conversationID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.space(conversationID, agentID).active, nil
}

// Rewind truncates the branch to length to.
func (s *Stack) Rewind(_ context.Context, ref domain.BranchRef, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return err
	}
	length := s.length(ref, br)
	if to < 0 || to >= length {
		return fmt.Errorf("%w: %d with length %d", domain.ErrRewindOutOfRange, to, length)
	}

	sp := s.space(ref.ConversationID, ref.AgentID)
	for _, other := range sp.branches {
		if other.meta.ParentID == ref.BranchID && other.meta.ForkPoint > to {
			return fmt.Errorf("%w: child %s forked at %d", domain.ErrBranchForked, other.meta.BranchID, other.meta.ForkPoint)
		}
	}

	if to <= br.meta.ForkPoint {
		br.states = nil
		br.meta.ForkPoint = to
	} else {
		br.states = br.states[:to-br.meta.ForkPoint]
	}
	return nil
}

// Meta returns the branch metadata.
func (s *Stack) Meta(_ context.Context, ref domain.BranchRef) (*domain.BranchMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	br, err := s.branch(ref, false)
	if err != nil {
		return nil, err
	}
	meta := br.meta
	return &meta, nil
}

// Branches lists the branch ids of an agent's conversation.
func (s *Stack) Branches(_ context.Context, conversationID, agentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := s.space(conversationID, agentID)
	ids := make([]string, 0, len(sp.branches))
	for id := range sp.branches {
		ids = append(ids, id)
	}
	return ids, nil
}

// Agents lists the agent ids participating in a conversation.
func (s *Stack) Agents(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]string, 0, len(s.convos[conversationID]))
	for id := range s.convos[conversationID] {
		agents = append(agents, id)
	}
	return agents, nil
}

// Prune destroys every branch of a conversation.
func (s *Stack) Prune(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convos, conversationID)
	return nil
}
