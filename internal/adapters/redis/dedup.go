package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// observeScript counts a fingerprint sighting. The window TTL is set only on
// first sight, so the lookback measures from the first duplicate, not the
// latest.
//
// KEYS[1] = fingerprint counter, ARGV[1] = window millis
var observeScript = backend.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Window implements ports.DedupWindow on Redis.
type Window struct {
	client *backend.Client
	prefix string
}

// NewWindow creates a Window from an existing client.
func NewWindow(client *backend.Client, prefix string) *Window {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Window{client: client, prefix: prefix}
}

// Observe registers the fingerprint and returns its sighting count within the
// window, including this one.
func (w *Window) Observe(ctx context.Context, fingerprint string, window time.Duration) (int64, error) {
	n, err := observeScript.Run(ctx, w.client,
		[]string{w.prefix + "dedup:" + fingerprint}, window.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to observe fingerprint: %w", err)
	}
	return n, nil
}

// Cache implements ports.Cache for tool results.
type Cache struct {
	client *backend.Client
	prefix string
}

// NewCache creates a Cache from an existing client.
func NewCache(client *backend.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Cache{client: client, prefix: prefix}
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+"cache:"+key).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache: %w", err)
	}
	return val, true, nil
}

// Set stores value under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+"cache:"+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}
