package domain

import "errors"

// ErrBranchNotFound is returned when a branch id cannot be found in the store.
var ErrBranchNotFound = errors.New("branch not found")

// ErrBranchTerminated is returned when pushing onto a finished branch.
var ErrBranchTerminated = errors.New("branch is terminated")

// ErrIllegalTransition is returned when a push is not permitted from the
// current top state. This is a programming error in a handler, not a
// recoverable conversation condition.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrDuplicateBlocked is returned when the strict dedup policy refuses to
// dispatch a repeated tool call.
var ErrDuplicateBlocked = errors.New("duplicate tool call blocked")

// ErrRewindOutOfRange is returned when rewinding to an index at or beyond the
// current branch length. Rewind never extends a branch.
var ErrRewindOutOfRange = errors.New("rewind index out of range")

// ErrBranchForked is returned when rewinding below the fork point of a live
// child branch. Prune the children first, or fork instead.
var ErrBranchForked = errors.New("branch has forks downstream of rewind point")

// ErrFenceHeld is returned by TryLock when another worker holds the tick
// fence for the branch.
var ErrFenceHeld = errors.New("execution fence held")

// ErrCorrelationNotFound is returned when resolving an unknown correlation id.
var ErrCorrelationNotFound = errors.New("correlation id not found")

// ErrSchemaVersion is returned when decoding an envelope with an unknown
// schema version. Treated as a defect requiring operator attention.
var ErrSchemaVersion = errors.New("unsupported envelope schema version")

// ErrorType strings surfaced inside error-payload states, mirroring the error
// taxonomy. These travel in State.ErrorType and tool outputs, not in Go errors.
const (
	ErrorTypeValidation       = "validation_error"
	ErrorTypeDuplicateBlocked = "duplicate_blocked"
	ErrorTypeTimeout          = "timeout"
	ErrorTypeExhausted        = "exhausted_retries"
	ErrorTypeInfrastructure   = "infrastructure_error"
)
