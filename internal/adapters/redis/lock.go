package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// unlockScript releases the fence only when the stored token matches, so an
// expired fence re-acquired by another worker is never deleted by the old
// holder.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker implements ports.Locker using Redis SET NX PX. Unlike a blocking
// distributed lock, TryLock fails fast with domain.ErrFenceHeld: the tick
// scheduler requeues contended branches instead of spinning on them.
type Locker struct {
	client *backend.Client
	prefix string
}

// NewLocker creates a Locker from an existing client.
func NewLocker(client *backend.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Locker{client: client, prefix: prefix}
}

// TryLock attempts to acquire the fence for key with a bounded TTL.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	fenceKey := l.prefix + "fence:" + key
	token := strconv.FormatInt(time.Now().UnixNano(), 10)

	ok, err := l.client.SetNX(ctx, fenceKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error acquiring fence: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrFenceHeld, key)
	}

	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.client, []string{fenceKey}, token).Err()
	}, nil
}
