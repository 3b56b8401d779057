package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/pkg/domain"
)

// RunStackContract runs a suite of tests verifying that a Stack implementation
// adheres to the interface contract. Adapter packages call this from their own
// tests so redis and memory stacks stay observably identical.
func RunStackContract(t *testing.T, stack Stack) {
	ctx := context.Background()

	newRef := func(name string) domain.BranchRef {
		return domain.BranchRef{
			ConversationID: "contract-" + name + "-" + time.Now().Format("150405.000000000"),
			AgentID:        "agent-a",
			BranchID:       domain.MainBranch,
		}
	}

	t.Run("Push assigns contiguous positions", func(t *testing.T) {
		ref := newRef("push")
		pos, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), pos)

		pos, err = stack.Push(ctx, ref, domain.NewAssistantMessage("hello", nil, nil))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pos)

		n, err := stack.Len(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// Read-back carries the assigned position, not the zero value the
		// state was encoded with.
		st, err := stack.Get(ctx, ref, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Position)

		states, err := stack.Range(ctx, ref, 0, 2)
		require.NoError(t, err)
		require.Len(t, states, 2)
		for i, st := range states {
			assert.Equal(t, int64(i), st.Position)
		}
	})

	t.Run("Current on empty branch", func(t *testing.T) {
		ref := newRef("empty")
		top, err := stack.Current(ctx, ref)
		require.NoError(t, err)
		assert.Nil(t, top)
	})

	t.Run("Illegal transition rejected", func(t *testing.T) {
		ref := newRef("illegal")
		// ToolResult cannot open a branch.
		_, err := stack.Push(ctx, ref, domain.NewToolResult("c1", "x", nil))
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	})

	t.Run("Terminated branch rejects pushes", func(t *testing.T) {
		ref := newRef("finished")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewFinished(domain.FinishCompleted))
		require.NoError(t, err)

		_, err = stack.Push(ctx, ref, domain.NewUserMessage("again"))
		assert.ErrorIs(t, err, domain.ErrBranchTerminated)
	})

	t.Run("Concurrent pushes never collide", func(t *testing.T) {
		ref := newRef("concurrent")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)

		// Waiting tolerates repeated result pushes, which keeps every
		// concurrent push legal regardless of interleaving.
		_, err = stack.Push(ctx, ref, domain.NewWaiting(domain.WaitTool, "c0", time.Now().Add(time.Minute)))
		require.NoError(t, err)

		const pushers = 8
		const perPusher = 5
		var wg sync.WaitGroup
		positions := make(chan int64, pushers*perPusher)
		for i := 0; i < pushers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < perPusher; j++ {
					id := fmt.Sprintf("c%d-%d", i, j)
					pos, err := stack.Push(ctx, ref, domain.NewWaiting(domain.WaitTool, id, time.Now().Add(time.Minute)))
					assert.NoError(t, err)
					positions <- pos
				}
			}(i)
		}
		wg.Wait()
		close(positions)

		seen := make(map[int64]bool)
		for pos := range positions {
			assert.False(t, seen[pos], "duplicate position %d", pos)
			seen[pos] = true
		}
		// Contiguous: positions 2..2+pushers*perPusher-1, no gaps.
		for p := int64(2); p < int64(2+pushers*perPusher); p++ {
			assert.True(t, seen[p], "missing position %d", p)
		}
	})

	t.Run("Fork shares prefix and isolates suffix", func(t *testing.T) {
		ref := newRef("fork")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewAssistantMessage("hello", nil, nil))
		require.NoError(t, err)

		forkID, err := stack.Fork(ctx, ref, 2)
		require.NoError(t, err)
		forkRef := ref.WithBranch(forkID)

		// Prefix identical.
		orig, err := stack.Range(ctx, ref, 0, 2)
		require.NoError(t, err)
		forked, err := stack.Range(ctx, forkRef, 0, 2)
		require.NoError(t, err)
		require.Len(t, forked, 2)
		for i := range orig {
			assert.Equal(t, orig[i].Kind, forked[i].Kind)
			assert.Equal(t, orig[i].Text, forked[i].Text)
		}

		// Pushes to the fork never appear in the source.
		_, err = stack.Push(ctx, forkRef, domain.NewFinished(domain.FinishCompleted))
		require.NoError(t, err)
		n, err := stack.Len(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		fn, err := stack.Len(ctx, forkRef)
		require.NoError(t, err)
		assert.Equal(t, int64(3), fn)
	})

	t.Run("Rewind truncates and guards", func(t *testing.T) {
		ref := newRef("rewind")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewAssistantMessage("hello", nil, nil))
		require.NoError(t, err)

		// Rewind past the end is an explicit error, never an extension.
		err = stack.Rewind(ctx, ref, 5)
		assert.ErrorIs(t, err, domain.ErrRewindOutOfRange)

		err = stack.Rewind(ctx, ref, 1)
		require.NoError(t, err)
		n, err := stack.Len(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		top, err := stack.Current(ctx, ref)
		require.NoError(t, err)
		require.NotNil(t, top)
		assert.Equal(t, domain.KindUserMessage, top.Kind)

		// After a rewind the branch accepts new history.
		_, err = stack.Push(ctx, ref, domain.NewAssistantMessage("take two", nil, nil))
		require.NoError(t, err)
	})

	t.Run("Rewind below a fork point rejected", func(t *testing.T) {
		ref := newRef("rewind-fork")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewAssistantMessage("hello", nil, nil))
		require.NoError(t, err)

		_, err = stack.Fork(ctx, ref, 2)
		require.NoError(t, err)

		err = stack.Rewind(ctx, ref, 1)
		assert.ErrorIs(t, err, domain.ErrBranchForked)
	})

	t.Run("Checkout switches the active branch", func(t *testing.T) {
		ref := newRef("checkout")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)

		active, err := stack.ActiveBranch(ctx, ref.ConversationID, ref.AgentID)
		require.NoError(t, err)
		assert.Equal(t, domain.MainBranch, active)

		forkID, err := stack.Fork(ctx, ref, 1)
		require.NoError(t, err)
		require.NoError(t, stack.Checkout(ctx, ref, forkID))

		active, err = stack.ActiveBranch(ctx, ref.ConversationID, ref.AgentID)
		require.NoError(t, err)
		assert.Equal(t, forkID, active)
	})

	t.Run("IterLastN is restartable", func(t *testing.T) {
		ref := newRef("iter")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("one"))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewAssistantMessage("two", nil, nil))
		require.NoError(t, err)
		_, err = stack.Push(ctx, ref, domain.NewUserResponse("three"))
		require.NoError(t, err)

		it, err := stack.IterLastN(ctx, ref, 2)
		require.NoError(t, err)

		collect := func() []string {
			var texts []string
			for {
				s, ok, err := it.Next(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				texts = append(texts, s.Text)
			}
			return texts
		}

		assert.Equal(t, []string{"two", "three"}, collect())
		it.Reset()
		assert.Equal(t, []string{"two", "three"}, collect())
	})

	t.Run("Agents lists participants", func(t *testing.T) {
		ref := newRef("agents")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)
		other := ref
		other.AgentID = "agent-b"
		_, err = stack.Push(ctx, other, domain.NewUserMessage("hi"))
		require.NoError(t, err)

		agents, err := stack.Agents(ctx, ref.ConversationID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, agents)
	})

	t.Run("Prune destroys the conversation", func(t *testing.T) {
		ref := newRef("prune")
		_, err := stack.Push(ctx, ref, domain.NewUserMessage("hi"))
		require.NoError(t, err)

		require.NoError(t, stack.Prune(ctx, ref.ConversationID))

		n, err := stack.Len(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

// RunQueueContract verifies a Queue implementation.
func RunQueueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	name := "contract-queue-" + time.Now().Format("150405.000000000")

	t.Run("FIFO dequeue", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, name, Task{ID: "t1", Payload: []byte("one")}))
		require.NoError(t, q.Enqueue(ctx, name, Task{ID: "t2", Payload: []byte("two")}))

		task, err := q.Dequeue(ctx, name, time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "t1", task.ID)

		task, err = q.Dequeue(ctx, name, time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "t2", task.ID)
	})

	t.Run("Dequeue timeout returns nil", func(t *testing.T) {
		task, err := q.Dequeue(ctx, name+"-idle", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("Delayed tasks surface at readiness", func(t *testing.T) {
		delayed := name + "-delayed"
		require.NoError(t, q.EnqueueDelayed(ctx, delayed, Task{ID: "later"}, time.Now().Add(150*time.Millisecond)))

		task, err := q.Dequeue(ctx, delayed, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, task, "task must not surface before readyAt")

		task, err = q.Dequeue(ctx, delayed, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "later", task.ID)
	})
}

// RunLockerContract verifies a Locker implementation.
func RunLockerContract(t *testing.T, locker Locker) {
	ctx := context.Background()
	key := "contract-fence-" + time.Now().Format("150405.000000000")

	t.Run("TryLock is exclusive", func(t *testing.T) {
		unlock, err := locker.TryLock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, unlock)

		_, err = locker.TryLock(ctx, key, 5*time.Second)
		assert.ErrorIs(t, err, domain.ErrFenceHeld)

		require.NoError(t, unlock(ctx))

		unlock2, err := locker.TryLock(ctx, key, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, unlock2(ctx))
	})
}
