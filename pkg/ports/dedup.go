package ports

import (
	"context"
	"time"
)

// DedupWindow records tool-call fingerprints for a bounded lookback window.
type DedupWindow interface {
	// Observe registers the fingerprint and returns how many times it has
	// been seen within the window, including this observation. 1 means
	// first sight.
	Observe(ctx context.Context, fingerprint string, window time.Duration) (int64, error)
}

// Cache stores tool results keyed by tool name + argument hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
