// Package rollout expands a declarative experiment spec into concrete
// conversation variants and drives them through the scheduler, scoring each
// finished trajectory with the evaluation collaborator.
package rollout

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weftlab/weft/internal/config"
)

// Spec is the declarative experiment description. Base holds the shared
// conversation configuration; each variant deep-merges its overrides on top.
type Spec struct {
	Name       string         `yaml:"name"`
	Base       map[string]any `yaml:"base"`
	Variants   []Variant      `yaml:"variants"`
	Evaluation Evaluation     `yaml:"evaluation"`
	Limits     Limits         `yaml:"limits"`
}

// Variant names one configuration point of the experiment.
type Variant struct {
	Name      string         `yaml:"name"`
	Overrides map[string]any `yaml:"overrides"`
}

// Evaluation describes how finished trajectories are scored.
type Evaluation struct {
	Rubric string `yaml:"rubric"`
}

// Limits bound a rollout run.
type Limits struct {
	// Timeout caps each variant's wall time before it is cancelled.
	Timeout config.Duration `yaml:"timeout"`
	// Parallelism caps concurrently running variants. Zero means all at
	// once.
	Parallelism int `yaml:"parallelism"`
}

// DefaultTimeout applies when a spec omits limits.timeout.
const DefaultTimeout = 2 * time.Minute

// Load reads and validates a spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollout spec: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a yaml spec.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse rollout spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the structural requirements a runner depends on.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("rollout spec requires a name")
	}
	if len(s.Variants) == 0 {
		return fmt.Errorf("rollout spec %q has no variants", s.Name)
	}
	seen := make(map[string]bool, len(s.Variants))
	for i, v := range s.Variants {
		if v.Name == "" {
			return fmt.Errorf("rollout spec %q: variant %d has no name", s.Name, i)
		}
		if seen[v.Name] {
			return fmt.Errorf("rollout spec %q: duplicate variant %q", s.Name, v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

// timeout returns the effective per-variant timeout.
func (s *Spec) timeout() time.Duration {
	if s.Limits.Timeout > 0 {
		return s.Limits.Timeout.Std()
	}
	return DefaultTimeout
}

// parallelism returns the effective variant concurrency bound.
func (s *Spec) parallelism() int {
	if s.Limits.Parallelism > 0 {
		return s.Limits.Parallelism
	}
	return len(s.Variants)
}
