package ports

import (
	"context"
	"time"
)

// UnlockFunc releases an acquired fence.
type UnlockFunc func(ctx context.Context) error

// Locker is the per-branch tick fence. TryLock never blocks: when another
// worker holds the fence it returns domain.ErrFenceHeld and the caller
// requeues instead of spinning. The TTL bounds the damage of a crashed
// holder.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
