package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
)

// outboxTTL bounds how long an undelivered reply sits in a conversation
// outbox before it expires with the rest of the conversation state.
const outboxTTL = 24 * time.Hour

// Publisher implements ports.ReplyPublisher on a per-conversation Redis
// list. External consumers pop replies with BRPOP on the outbox key; the
// engine never reads them back.
type Publisher struct {
	client *backend.Client
	prefix string
}

// NewPublisher creates a Publisher from an existing client.
func NewPublisher(client *backend.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "weft:"
	}
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) outboxKey(conversationID string) string {
	return p.prefix + "outbox:" + conversationID
}

// Publish appends a reply to the conversation's outbox.
func (p *Publisher) Publish(ctx context.Context, scope domain.BranchRef, payload string) error {
	entry, err := json.Marshal(map[string]any{
		"agent_id":  scope.AgentID,
		"branch_id": scope.BranchID,
		"payload":   payload,
		"at":        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	key := p.outboxKey(scope.ConversationID)
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.PExpire(ctx, key, outboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}
