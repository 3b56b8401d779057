package redis

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/weftlab/weft/pkg/domain"
)

// RecordStream implements ports.RecordSink on a Redis stream. Records are
// append-only; the engine never reads this stream back, it exists for the
// artifact/export layer to consume.
type RecordStream struct {
	client *backend.Client
	stream string
	maxLen int64
}

// NewRecordStream creates a RecordStream from an existing client. maxLen
// caps the stream with approximate trimming; zero means unbounded.
func NewRecordStream(client *backend.Client, stream string, maxLen int64) *RecordStream {
	if stream == "" {
		stream = "weft:records"
	}
	return &RecordStream{client: client, stream: stream, maxLen: maxLen}
}

// Append emits one record via XADD.
func (r *RecordStream) Append(ctx context.Context, rec *domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	args := &backend.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"ref":          rec.Ref,
			"conversation": rec.ConversationID,
			"type":         string(rec.Type),
			"record":       payload,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}
