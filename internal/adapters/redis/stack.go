// Package redis implements the engine's ports against a shared Redis store.
// All cross-worker coordination (branch indexing, tick fences, dedup windows,
// queues) is expressed as atomic server-side operations here; there are no
// in-process locks shared between workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// DefaultBranchTTL bounds how long an untouched branch counter survives.
// Refreshed on every push, so only abandoned branches are reclaimed.
const DefaultBranchTTL = 30 * 24 * time.Hour

// pushScript is the single synchronization point for concurrent pushers:
// the terminal check, the counter increment and the ordered-index insert
// happen in one atomic server-side operation. The top-kind key is what makes
// "Finished is terminal" hold under raw concurrency: a result racing a cancel
// can pass the optimistic Go-side check, but only one of the two scripts runs
// first, and the loser sees the terminal kind and backs off.
//
// KEYS[1] = branch counter, KEYS[2] = ordered index, KEYS[3] = top kind
// ARGV[1] = state key prefix, ARGV[2] = envelope, ARGV[3] = ttl millis,
// ARGV[4] = pushed kind, ARGV[5] = terminal kind
var pushScript = backend.NewScript(`
if redis.call('GET', KEYS[3]) == ARGV[5] then
	return -1
end
local len = redis.call('INCR', KEYS[1])
local pos = len - 1
local key = ARGV[1] .. pos
redis.call('ZADD', KEYS[2], pos, key)
redis.call('SET', key, ARGV[2])
redis.call('SET', KEYS[3], ARGV[4])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
	redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return pos
`)

// Stack implements ports.Stack on Redis.
type Stack struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// StackOption configures the Stack.
type StackOption func(*Stack)

// WithStackPrefix sets the key prefix.
func WithStackPrefix(prefix string) StackOption {
	return func(s *Stack) { s.prefix = prefix }
}

// WithBranchTTL sets the reclamation TTL for branch counters and indexes.
// Zero disables expiry.
func WithBranchTTL(ttl time.Duration) StackOption {
	return func(s *Stack) { s.ttl = ttl }
}

// NewStack creates a Stack from an existing client.
func NewStack(client *backend.Client, opts ...StackOption) *Stack {
	s := &Stack{
		client: client,
		prefix: "weft:",
		ttl:    DefaultBranchTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stack) branchKey(ref domain.BranchRef, suffix string) string {
	return fmt.Sprintf("%sconv:%s:agent:%s:branch:%s:%s", s.prefix, ref.ConversationID, ref.AgentID, ref.BranchID, suffix)
}

func (s *Stack) stateKeyPrefix(ref domain.BranchRef) string {
	return s.branchKey(ref, "state:")
}

func (s *Stack) branchSetKey(conversationID, agentID string) string {
	return fmt.Sprintf("%sconv:%s:agent:%s:branches", s.prefix, conversationID, agentID)
}

func (s *Stack) activeKey(conversationID, agentID string) string {
	return fmt.Sprintf("%sconv:%s:agent:%s:active", s.prefix, conversationID, agentID)
}

func (s *Stack) agentSetKey(conversationID string) string {
	return fmt.Sprintf("%sconv:%s:agents", s.prefix, conversationID)
}

// Push validates the transition against the current top, then runs the atomic
// counter+index script. The transition check is optimistic (full legality is
// enforced under the scheduler's tick fence), but the script re-checks the
// terminal kind itself, so a result pushed without the fence can never land
// after Finished.
func (s *Stack) Push(ctx context.Context, ref domain.BranchRef, state *domain.State) (int64, error) {
	top, err := s.Current(ctx, ref)
	if err != nil {
		return 0, err
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

	if err := s.ensureBranch(ctx, ref); err != nil {
		return 0, err
	}

	data, err := domain.EncodeState(state)
	if err != nil {
		return 0, err
	}

	pos, err := pushScript.Run(ctx, s.client,
		[]string{s.branchKey(ref, "len"), s.branchKey(ref, "index"), s.branchKey(ref, "top")},
		s.stateKeyPrefix(ref), string(data), s.ttl.Milliseconds(),
		string(state.Kind), string(domain.KindFinished),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to push state: %w", err)
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrBranchTerminated, ref)
	}
	return pos, nil
}

// ensureBranch registers root-branch metadata lazily on first touch; main and
// delegation branches both come to exist this way. Forked branches are
// registered by Fork.
func (s *Stack) ensureBranch(ctx context.Context, ref domain.BranchRef) error {
	metaKey := s.branchKey(ref, "meta")
	exists, err := s.client.Exists(ctx, metaKey).Result()
	if err != nil {
		return fmt.Errorf("failed to check branch meta: %w", err)
	}
	if exists > 0 {
		return nil
	}

	meta := domain.BranchMeta{BranchID: ref.BranchID, CreatedAt: time.Now().UTC()}
	return s.writeMeta(ctx, ref, &meta)
}

func (s *Stack) writeMeta(ctx context.Context, ref domain.BranchRef, meta *domain.BranchMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal branch meta: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.branchKey(ref, "meta"), data, 0)
	pipe.SAdd(ctx, s.branchSetKey(ref.ConversationID, ref.AgentID), ref.BranchID)
	pipe.SAdd(ctx, s.agentSetKey(ref.ConversationID), ref.AgentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write branch meta: %w", err)
	}
	return nil
}

// Meta returns the branch metadata.
func (s *Stack) Meta(ctx context.Context, ref domain.BranchRef) (*domain.BranchMeta, error) {
	val, err := s.client.Get(ctx, s.branchKey(ref, "meta")).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, ref)
		}
		return nil, fmt.Errorf("failed to load branch meta: %w", err)
	}
	var meta domain.BranchMeta
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal branch meta: %w", err)
	}
	return &meta, nil
}

// Len returns the branch length.
func (s *Stack) Len(ctx context.Context, ref domain.BranchRef) (int64, error) {
	val, err := s.client.Get(ctx, s.branchKey(ref, "len")).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read branch length: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt branch counter: %w", err)
	}
	return n, nil
}

// Current returns the top state or (nil, nil) on an empty branch.
func (s *Stack) Current(ctx context.Context, ref domain.BranchRef) (*domain.State, error) {
	n, err := s.Len(ctx, ref)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, ref, n-1)
}

// Get resolves position through the parent chain below the fork point, so a
// fork's shared prefix reads are served by its ancestors (structural sharing).
func (s *Stack) Get(ctx context.Context, ref domain.BranchRef, position int64) (*domain.State, error) {
	owner, err := s.resolveOwner(ctx, ref, position)
	if err != nil {
		return nil, err
	}
	key := s.stateKeyPrefix(owner) + strconv.FormatInt(position, 10)
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %s position %d", domain.ErrBranchNotFound, ref, position)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	st, err := domain.DecodeState([]byte(val))
	if err != nil {
		return nil, err
	}
	// The envelope is encoded before the push script assigns the position;
	// the key is the position, so stamp it on the way out.
	st.Position = position
	return st, nil
}

// resolveOwner walks up the fork chain until the position is at or above the
// branch's fork point.
func (s *Stack) resolveOwner(ctx context.Context, ref domain.BranchRef, position int64) (domain.BranchRef, error) {
	cur := ref
	for {
		if cur.BranchID == domain.MainBranch {
			return cur, nil
		}
		meta, err := s.Meta(ctx, cur)
		if err != nil {
			return cur, err
		}
		if position >= meta.ForkPoint {
			return cur, nil
		}
		cur = cur.WithBranch(meta.ParentID)
	}
}

// Range returns states at positions [from, to).
func (s *Stack) Range(ctx context.Context, ref domain.BranchRef, from, to int64) ([]*domain.State, error) {
	if from < 0 {
		from = 0
	}
	states := make([]*domain.State, 0, max(to-from, 0))
	for pos := from; pos < to; pos++ {
		st, err := s.Get(ctx, ref, pos)
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
	return &stackIter{stack: s, ref: ref, from: from, to: length, pos: from}, nil
}

type stackIter struct {
	stack    *Stack
	ref      domain.BranchRef
	from, to int64
	pos      int64
}

func (it *stackIter) Next(ctx context.Context) (*domain.State, bool, error) {
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

func (it *stackIter) Reset() { it.pos = it.from }

// Fork creates a new branch diverging at position at. Only metadata is
// written: the prefix is shared with the source, and the new branch's counter
// starts at the fork point.
func (s *Stack) Fork(ctx context.Context, ref domain.BranchRef, at int64) (string, error) {
	length, err := s.Len(ctx, ref)
	if err != nil {
		return "", err
	}
	if at < 0 || at > length {
		return "", fmt.Errorf("fork point %d outside branch of length %d", at, length)
	}

	childID := uuid.NewString()
	child := ref.WithBranch(childID)
	meta := domain.BranchMeta{
		BranchID:  childID,
		ParentID:  ref.BranchID,
		ForkPoint: at,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeMeta(ctx, child, &meta); err != nil {
		return "", err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.branchKey(child, "len"), at, s.ttl)
	pipe.ZAdd(ctx, s.branchKey(ref, "children"), backend.Z{Score: float64(at), Member: childID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to initialize fork: %w", err)
	}
	return childID, nil
}

// Checkout updates the agent's active-branch pointer.
func (s *Stack) Checkout(ctx context.Context, ref domain.BranchRef, branchID string) error {
	exists, err := s.client.Exists(ctx, s.branchKey(ref.WithBranch(branchID), "meta")).Result()
	if err != nil {
		return fmt.Errorf("failed to check branch: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBranchNotFound, ref.WithBranch(branchID))
	}
	if err := s.client.Set(ctx, s.activeKey(ref.ConversationID, ref.AgentID), branchID, 0).Err(); err != nil {
		return fmt.Errorf("failed to checkout branch: %w", err)
	}
	return nil
}

// ActiveBranch returns the agent's active branch id, defaulting to main.
func (s *Stack) ActiveBranch(ctx context.Context, conversationID, agentID string) (string, error) {
	val, err := s.client.Get(ctx, s.activeKey(conversationID, agentID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.MainBranch, nil
		}
		return "", fmt.Errorf("failed to read active branch: %w", err)
	}
	return val, nil
}

// Rewind destructively truncates the branch to length to. Rejected when a
// child branch forked above the target (prune the children first) and when
// the target is at or past the current end.
func (s *Stack) Rewind(ctx context.Context, ref domain.BranchRef, to int64) error {
	length, err := s.Len(ctx, ref)
	if err != nil {
		return err
	}
	if to < 0 || to >= length {
		return fmt.Errorf("%w: %d with length %d", domain.ErrRewindOutOfRange, to, length)
	}

	forked, err := s.client.ZRangeByScore(ctx, s.branchKey(ref, "children"), &backend.ZRangeBy{
		Min: "(" + strconv.FormatInt(to, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to check downstream forks: %w", err)
	}
	if len(forked) > 0 {
		return fmt.Errorf("%w: %d child branch(es) above position %d", domain.ErrBranchForked, len(forked), to)
	}

	// The push script keys its terminal check off the top-kind entry, so
	// truncation has to rewrite it to the kind of the new top.
	var topKind string
	if to > 0 {
		st, err := s.Get(ctx, ref, to-1)
		if err != nil {
			return err
		}
		topKind = string(st.Kind)
	}

	pipe := s.client.Pipeline()
	for pos := to; pos < length; pos++ {
		pipe.Del(ctx, s.stateKeyPrefix(ref)+strconv.FormatInt(pos, 10))
	}
	pipe.ZRemRangeByScore(ctx, s.branchKey(ref, "index"), strconv.FormatInt(to, 10), "+inf")
	pipe.Set(ctx, s.branchKey(ref, "len"), to, s.ttl)
	if topKind != "" {
		pipe.Set(ctx, s.branchKey(ref, "top"), topKind, s.ttl)
	} else {
		pipe.Del(ctx, s.branchKey(ref, "top"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rewind branch: %w", err)
	}

	// Rewinding below our own fork point shrinks the shared prefix.
	meta, err := s.Meta(ctx, ref)
	if err != nil {
		return err
	}
	if to < meta.ForkPoint {
		meta.ForkPoint = to
		if err := s.writeMeta(ctx, ref, meta); err != nil {
			return err
		}
	}
	return nil
}

// Branches lists the branch ids of an agent's conversation.
func (s *Stack) Branches(ctx context.Context, conversationID, agentID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.branchSetKey(conversationID, agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	return ids, nil
}

// Agents lists the agent ids participating in a conversation.
func (s *Stack) Agents(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.agentSetKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return ids, nil
}

// Prune destroys every key of a conversation. States are never destroyed
// individually; this is the only deletion path besides Rewind.
func (s *Stack) Prune(ctx context.Context, conversationID string) error {
	pattern := fmt.Sprintf("%sconv:%s:*", s.prefix, conversationID)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan conversation keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to prune conversation: %w", err)
	}
	return nil
}
