package scanning

import "fmt"

// RunStatus represents the current state of a single engine run within a job.
type RunStatus string

const (
	// RunStatusPending indicates the run row exists but the engine has not
	// been started yet.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning indicates the engine adapter is executing.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded indicates the engine finished without error.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed indicates the engine hit an unrecoverable error or
	// exceeded its wall-clock budget.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled indicates the run was terminated by a cancellation
	// request before finishing.
	RunStatusCancelled RunStatus = "CANCELLED"
)

func (s RunStatus) String() string { return string(s) }

// ParseRunStatus converts a string to a RunStatus.
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "PENDING":
		return RunStatusPending
	case "RUNNING":
		return RunStatusRunning
	case "SUCCEEDED":
		return RunStatusSucceeded
	case "FAILED":
		return RunStatusFailed
	case "CANCELLED":
		return RunStatusCancelled
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether no further transitions are permitted out of the
// current status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s RunStatus) validateTransition(target RunStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid run status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status.
func (s RunStatus) isValidTransition(target RunStatus) bool {
	switch s {
	case RunStatusPending:
		// A pending run either starts or is terminated before the engine
		// launches (cancellation or a start failure).
		return target == RunStatusRunning || target == RunStatusCancelled || target == RunStatusFailed
	case RunStatusRunning:
		return target == RunStatusSucceeded || target == RunStatusFailed || target == RunStatusCancelled
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		// Terminal states. No further transitions allowed.
		return false
	default:
		return false
	}
}
