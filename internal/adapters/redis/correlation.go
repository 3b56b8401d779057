package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// DefaultCorrelationTTL bounds delegation bookkeeping the same way branch
// counters are bounded.
const DefaultCorrelationTTL = 7 * 24 * time.Hour

// Correlations implements ports.CorrelationTable: a one-way lookup from a
// delegation's correlation id to the parent entry waiting on it.
type Correlations struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// NewCorrelations creates a Correlations table from an existing client.
func NewCorrelations(client *backend.Client, prefix string) *Correlations {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Correlations{client: client, prefix: prefix, ttl: DefaultCorrelationTTL}
}

func (c *Correlations) key(correlationID string) string {
	return c.prefix + "corr:" + correlationID
}

// Put records the waiting parent for a correlation id.
func (c *Correlations) Put(ctx context.Context, correlationID string, entry ports.CorrelationEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal correlation entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(correlationID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store correlation entry: %w", err)
	}
	return nil
}

// Resolve returns the waiting parent for a correlation id.
func (c *Correlations) Resolve(ctx context.Context, correlationID string) (*ports.CorrelationEntry, error) {
	val, err := c.client.Get(ctx, c.key(correlationID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCorrelationNotFound, correlationID)
		}
		return nil, fmt.Errorf("failed to resolve correlation: %w", err)
	}
	var entry ports.CorrelationEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal correlation entry: %w", err)
	}
	return &entry, nil
}

// Delete removes the mapping once the result has been routed.
func (c *Correlations) Delete(ctx context.Context, correlationID string) error {
	if err := c.client.Del(ctx, c.key(correlationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}
	return nil
}
