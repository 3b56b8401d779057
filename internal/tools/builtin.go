// Package tools holds the built-in tool implementations. Everything here is
// invoked strictly through the registry; the engine never special-cases a
// tool name.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlab/weft/pkg/domain"
	"github.com/weftlab/weft/pkg/registry"
)

// RegisterBuiltins adds the echo and weather tools to the registry.
func RegisterBuiltins(reg *registry.Registry) {
	reg.Register(domain.Tool{
		Name:        "echo",
		Description: "Returns its message argument unchanged.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		SideEffectFree: true,
		CacheTTL:       time.Minute,
	}, echo)

	reg.Register(domain.Tool{
		Name:        "get_weather",
		Description: "Reports the weather for a city.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
		SideEffectFree: true,
		CacheTTL:       5 * time.Minute,
	}, weather)
}

func echo(_ context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	msg, ok := args["message"].(string)
	if !ok {
		return &domain.ToolOutput{
			Status:    domain.ToolFailure,
			Message:   "echo requires a string message argument",
			ErrorType: domain.ErrorTypeValidation,
		}, nil
	}
	return &domain.ToolOutput{Status: domain.ToolSuccess, Data: msg}, nil
}

// weather is a deterministic stub. A deployment replaces it with a real
// provider behind the same descriptor.
func weather(_ context.Context, args map[string]any, _ *domain.ToolScope) (*domain.ToolOutput, error) {
	city, ok := args["city"].(string)
	if !ok || city == "" {
		return &domain.ToolOutput{
			Status:    domain.ToolFailure,
			Message:   "get_weather requires a city argument",
			ErrorType: domain.ErrorTypeValidation,
		}, nil
	}
	conditions := []string{"clear", "overcast", "rain", "snow"}
	var sum int
	for _, r := range city {
		sum += int(r)
	}
	return &domain.ToolOutput{
		Status: domain.ToolSuccess,
		Data: map[string]any{
			"city":      city,
			"condition": conditions[sum%len(conditions)],
			"temp_c":    float64(sum%35 - 5),
		},
	}, nil
}

// fmtError builds a failure output with a formatted message.
func fmtError(errorType, format string, args ...any) *domain.ToolOutput {
	return &domain.ToolOutput{
		Status:    domain.ToolFailure,
		Message:   fmt.Sprintf(format, args...),
		ErrorType: errorType,
	}
}
