package rollout

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/weftlab/weft/pkg/domain"
)

// Conversation is the concrete configuration one variant runs with, decoded
// from the merged base + overrides map.
type Conversation struct {
	Agent  string         `mapstructure:"agent"`
	Prompt string         `mapstructure:"prompt"`
	Params map[string]any `mapstructure:"params"`
}

// Run is one expanded variant: its own conversation id, its own main branch.
type Run struct {
	Variant      string
	Scope        domain.BranchRef
	Conversation Conversation
}

// Expand turns the spec into one Run per variant. Overrides deep-merge onto
// the base configuration; every run gets a fresh conversation id so variants
// share nothing in the store.
func Expand(spec *Spec) ([]Run, error) {
	runs := make([]Run, 0, len(spec.Variants))
	for _, variant := range spec.Variants {
		merged := deepMerge(spec.Base, variant.Overrides)

		var conv Conversation
		if err := mapstructure.Decode(merged, &conv); err != nil {
			return nil, fmt.Errorf("variant %q: invalid configuration: %w", variant.Name, err)
		}
		if conv.Agent == "" {
			conv.Agent = "assistant"
		}
		if conv.Prompt == "" {
			return nil, fmt.Errorf("variant %q: merged configuration has no prompt", variant.Name)
		}

		runs = append(runs, Run{
			Variant: variant.Name,
			Scope: domain.BranchRef{
				ConversationID: fmt.Sprintf("%s-%s-%s", spec.Name, variant.Name, uuid.NewString()[:8]),
				AgentID:        conv.Agent,
				BranchID:       domain.MainBranch,
			},
			Conversation: conv,
		})
	}
	return runs, nil
}

// deepMerge overlays override onto base, recursing into nested maps and
// replacing everything else wholesale. Neither input is mutated.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
