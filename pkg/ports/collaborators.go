package ports

import (
	"context"

	"github.com/weftlab/weft/pkg/domain"
)

// ModelClient is the language-model collaborator. Handlers consume its output
// as input; nothing in the scheduler calls it directly.
type ModelClient interface {
	Ask(ctx context.Context, history []domain.Message) (*domain.Reply, error)
}

// ToolRunner invokes a registered tool by name. scope is nil unless the tool
// declares NeedsScope.
type ToolRunner interface {
	Invoke(ctx context.Context, name string, args map[string]any, scope *domain.ToolScope) (*domain.ToolOutput, error)
	Describe(name string) (*domain.Tool, bool)
}

// Evaluator is the evaluation collaborator, invoked only by the rollout
// runner on completion.
type Evaluator interface {
	Evaluate(ctx context.Context, trajectory *domain.Trajectory, rubric string) (*domain.Score, error)
}

// RecordSink consumes the append-only artifact/event stream. The engine never
// reads it back for control decisions.
type RecordSink interface {
	Append(ctx context.Context, rec *domain.Record) error
}

// ReplyPublisher delivers PublishReply payloads to the external-facing
// channel.
type ReplyPublisher interface {
	Publish(ctx context.Context, scope domain.BranchRef, payload string) error
}

// CorrelationTable maps a delegation's correlation id to the parent entry
// waiting on it. One-way lookup only: child states never hold back-pointers.
type CorrelationTable interface {
	Put(ctx context.Context, correlationID string, entry CorrelationEntry) error
	Resolve(ctx context.Context, correlationID string) (*CorrelationEntry, error)
	Delete(ctx context.Context, correlationID string) error
}

// CorrelationEntry locates the waiting parent of a delegation.
type CorrelationEntry struct {
	Scope domain.BranchRef `json:"scope"`
}
