package scanning

import "fmt"

// JobStatus represents the current state of a scan job. It enables tracking of
// the job lifecycle from submission through completion, partial failure,
// outright failure, or cancellation.
type JobStatus string

const (
	// JobStatusPending indicates a job has been accepted but its engine runs
	// have not been dispatched yet.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusRunning indicates the job's engine runs are executing.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCancelling indicates cancellation has been requested and the
	// job is waiting for its engine runs to acknowledge termination.
	JobStatusCancelling JobStatus = "CANCELLING"

	// JobStatusCompleted indicates every engine run succeeded.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusCompletedPartial indicates the job finished with a mix of
	// succeeded and failed engine runs.
	JobStatusCompletedPartial JobStatus = "COMPLETED_PARTIAL"

	// JobStatusFailed indicates every engine run failed.
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "PENDING":
		return JobStatusPending
	case "RUNNING":
		return JobStatusRunning
	case "CANCELLING":
		return JobStatusCancelling
	case "COMPLETED":
		return JobStatusCompleted
	case "COMPLETED_PARTIAL":
		return JobStatusCompletedPartial
	case "FAILED":
		return JobStatusFailed
	case "CANCELLED":
		return JobStatusCancelled
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether no further transitions are permitted out of the
// current status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// A pending job either starts running or is cancelled before dispatch.
		return target == JobStatusRunning || target == JobStatusCancelling || target == JobStatusCancelled
	case JobStatusRunning:
		switch target {
		case JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelling:
			return true
		}
		return false
	case JobStatusCancelling:
		// Cancellation always lands on the cancelled terminal state once all
		// runs acknowledge; a ledger failure during the wait can still fail
		// the job.
		return target == JobStatusCancelled || target == JobStatusFailed
	case JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelled:
		// Terminal states. No further transitions allowed.
		return false
	default:
		return false
	}
}
