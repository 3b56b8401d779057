package executor

import "fmt"

// Decision is a dedup policy verdict for one tool-call sighting.
type Decision int

const (
	// DecisionDispatch lets the call through untouched.
	DecisionDispatch Decision = iota
	// DecisionObserve dispatches but records the duplicate.
	DecisionObserve
	// DecisionBlock refuses the dispatch.
	DecisionBlock
)

// Policy decides what to do with the nth sighting of a fingerprint within
// the lookback window. Exactly one policy is active per process.
type Policy interface {
	Decide(count int64, sideEffectFree bool) Decision
	Name() string
}

// ParsePolicy maps a config value to a policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "permissive", "":
		return Permissive{}, nil
	case "observed":
		return Observed{}, nil
	case "strict":
		return Strict{}, nil
	default:
		return nil, fmt.Errorf("unknown dedup policy %q", name)
	}
}

// Permissive always dispatches.
type Permissive struct{}

func (Permissive) Decide(int64, bool) Decision { return DecisionDispatch }
func (Permissive) Name() string                { return "permissive" }

// Observed dispatches but surfaces a duplicate-count metric.
type Observed struct{}

func (Observed) Decide(count int64, _ bool) Decision {
	if count > 1 {
		return DecisionObserve
	}
	return DecisionDispatch
}
func (Observed) Name() string { return "observed" }

// Strict refuses repeated dispatch unless the tool is declared
// side-effect-free.
type Strict struct{}

func (Strict) Decide(count int64, sideEffectFree bool) Decision {
	if count > 1 && !sideEffectFree {
		return DecisionBlock
	}
	if count > 1 {
		return DecisionObserve
	}
	return DecisionDispatch
}
func (Strict) Name() string { return "strict" }
