// Package registry maps tool names to descriptors and implementations. It is
// populated once at process start; there is no runtime discovery.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftlab/weft/pkg/domain"
)

// ToolFunc is a tool implementation. scope is nil unless the tool descriptor
// declares NeedsScope.
type ToolFunc func(ctx context.Context, args map[string]any, scope *domain.ToolScope) (*domain.ToolOutput, error)

// Registry manages the available tools. It implements ports.ToolRunner.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

type entry struct {
	desc domain.Tool
	fn   ToolFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. A tool with the same name is overwritten.
func (r *Registry) Register(desc domain.Tool, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = entry{desc: desc, fn: fn}
}

// Describe returns the descriptor for a tool name.
func (r *Registry) Describe(name string) (*domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	desc := e.desc
	return &desc, true
}

// Invoke looks up a tool by name and executes it. An unknown tool is a
// validation error surfaced as a tool output, not a Go error, so the
// conversation can react to it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, scope *domain.ToolScope) (*domain.ToolOutput, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return &domain.ToolOutput{
			Status:    domain.ToolFailure,
			Message:   fmt.Sprintf("tool not found: %s", name),
			ErrorType: domain.ErrorTypeValidation,
		}, nil
	}
	if !e.desc.NeedsScope {
		scope = nil
	}
	return e.fn(ctx, args, scope)
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
