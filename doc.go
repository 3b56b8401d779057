/*
Package weft orchestrates branching, multi-agent conversations as per-agent
interaction stacks.

Every conversation step is an immutable state pushed onto a branch; a legal
transition table guards each push. Handlers read the top state and describe
what should happen next (states to push, effects to execute); the scheduler
owns every write and drives branches one fenced tick at a time, so any number
of worker processes can serve the same conversations through a shared Redis
instance.

# Key properties

  - Append-only branches: history is never mutated, only extended, forked or
    explicitly rewound.
  - Single synchronization point: Redis holds the stacks, queues, fences,
    dedup windows and correlation tables; workers hold no local state.
  - Idempotent effects: every side effect carries a call id, and retries
    collapse against handled markers instead of repeating work.
  - Bounded execution: wait deadlines, branch length and idle-round guards
    convert every stall into a visible terminal state.

# Usage

Wire an engine, register tools, serve the queues and start conversations:

	eng, err := weft.New(weft.WithModel(myModel))
	if err != nil {
		log.Fatal(err)
	}
	eng.Tools().Register(myTool, myToolFunc)

	go eng.Serve(ctx)

	ref, err := eng.Start(ctx, "conv-1", "assistant", "hello")

By default the engine runs on in-memory adapters, suitable for a single
process and for tests. Pass WithRedis to share state across processes. The
cmd/weft binary wraps the same wiring behind a worker command.
*/
package weft
