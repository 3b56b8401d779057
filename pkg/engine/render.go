package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/ports"
)

// RenderPolicy controls how history is flattened for the model client.
type RenderPolicy string

const (
	// RenderFull includes tool results verbatim.
	RenderFull RenderPolicy = "full"
	// RenderCompact elides tool result bodies to one status line each,
	// bounding context size on tool-heavy branches.
	RenderCompact RenderPolicy = "compact"
)

// RenderLastN flattens the last n states of a branch into the ordered message
// list the model client consumes. Waiting, ToolCall and AgentCall states are
// bookkeeping and do not render.
func RenderLastN(ctx context.Context, stack ports.Stack, ref domain.BranchRef, n int64, policy RenderPolicy) ([]domain.Message, error) {
	it, err := stack.IterLastN(ctx, ref, n)
	if err != nil {
		return nil, err
	}

	var messages []domain.Message
	for {
		s, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch s.Kind {
		case domain.KindUserMessage, domain.KindUserResponse:
			messages = append(messages, domain.Message{Role: "user", Content: s.Text})
		case domain.KindAssistantMessage:
			messages = append(messages, domain.Message{Role: "assistant", Content: s.Text})
		case domain.KindToolResult:
			messages = append(messages, domain.Message{Role: "tool", Content: renderResult(s, policy)})
		case domain.KindAgentResult:
			messages = append(messages, domain.Message{Role: "tool", Content: renderResult(s, policy)})
		}
	}
	return messages, nil
}

func renderResult(s *domain.State, policy RenderPolicy) string {
	if s.IsError {
		return fmt.Sprintf("[%s] %v", s.ErrorType, s.Result)
	}
	if policy == RenderCompact {
		return "[ok]"
	}
	switch v := s.Result.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
