package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// Locker implements ports.Locker in memory, honoring the same TTL semantics
// as the redis fence.
type Locker struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> expiry
	clock func() time.Time
}

// NewLocker creates an in-memory locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]time.Time), clock: time.Now}
}

// TryLock attempts to acquire the fence for key.
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return nil, fmt.Errorf("%w: %s", domain.ErrFenceHeld, key)
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only release our own acquisition, mirroring the token check of
		// the redis unlock script.
		if cur, ok := l.held[key]; ok && cur.Equal(expiry) {
			delete(l.held, key)
		}
		return nil
	}, nil
}
