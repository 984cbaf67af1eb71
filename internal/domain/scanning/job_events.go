package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/events"
)

// Event types relevant to jobs:
const (
	EventTypeJobRequested  events.EventType = "JobRequested"
	EventTypeJobStarted    events.EventType = "JobStarted"
	EventTypeJobCancelling events.EventType = "JobCancelling"
	EventTypeJobCompleted  events.EventType = "JobCompleted"
)

// JobRequestedEvent indicates a scan request passed validation and its job
// and runs were persisted. Dispatch has not happened yet.
type JobRequestedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	TargetURL  string
	Engines    []string
}

func NewJobRequestedEvent(jobID uuid.UUID, targetURL string, engines []string) JobRequestedEvent {
	return JobRequestedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		TargetURL:  targetURL,
		Engines:    engines,
	}
}

func (e JobRequestedEvent) EventType() events.EventType { return EventTypeJobRequested }
func (e JobRequestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStartedEvent indicates a job's engine runs were dispatched.
type JobStartedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	TargetURL  string
	Engines    []string
}

func NewJobStartedEvent(jobID uuid.UUID, targetURL string, engines []string) JobStartedEvent {
	return JobStartedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		TargetURL:  targetURL,
		Engines:    engines,
	}
}

func (e JobStartedEvent) EventType() events.EventType { return EventTypeJobStarted }
func (e JobStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCancellingEvent indicates cancellation was requested for a job and its
// non-terminal runs are being terminated.
type JobCancellingEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
}

func NewJobCancellingEvent(jobID uuid.UUID) JobCancellingEvent {
	return JobCancellingEvent{occurredAt: time.Now(), JobID: jobID}
}

func (e JobCancellingEvent) EventType() events.EventType { return EventTypeJobCancelling }
func (e JobCancellingEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent means the job reached a terminal state. Status carries the
// final outcome, including partial completion and cancellation.
type JobCompletedEvent struct {
	occurredAt   time.Time
	JobID        uuid.UUID
	Status       JobStatus
	ErrorSummary string
}

func NewJobCompletedEvent(jobID uuid.UUID, status JobStatus, errorSummary string) JobCompletedEvent {
	return JobCompletedEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		Status:       status,
		ErrorSummary: errorSummary,
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }
