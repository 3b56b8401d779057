package domain

// Trajectory is a finished branch handed to the evaluation collaborator.
type Trajectory struct {
	Scope  BranchRef `json:"scope"`
	States []*State  `json:"states"`
}

// Score is the evaluation collaborator's verdict on a trajectory.
type Score struct {
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Comment string             `json:"comment,omitempty"`
}
