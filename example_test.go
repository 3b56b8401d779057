package weft_test

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlab/weft"
	"github.com/weftlab/weft/internal/adapters/memory"
)

// Example runs a single conversation end to end on the in-memory adapters.
func Example() {
	replies := memory.NewReplyLog()
	eng, err := weft.New(weft.WithReplyPublisher(replies))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Serve(ctx) }()

	ref, err := eng.Start(ctx, "conv-demo", "assistant", "hello weft")
	if err != nil {
		panic(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		top, err := eng.Stack().Current(ctx, ref)
		if err != nil {
			panic(err)
		}
		if top != nil && top.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	history, err := eng.History(ctx, ref)
	if err != nil {
		panic(err)
	}
	fmt.Println("final state:", history[len(history)-1].Kind)
	fmt.Println("reply:", replies.Payloads()[0])
	// Output:
	// final state: finished
	// reply: hello weft
}
