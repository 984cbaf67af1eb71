package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/events"
)

// Event types relevant to engine runs:
const (
	EventTypeRunStarted      events.EventType = "EngineRunStarted"
	EventTypeRunProgressed   events.EventType = "EngineRunProgressed"
	EventTypeRunCompleted    events.EventType = "EngineRunCompleted"
	EventTypeFindingReported events.EventType = "FindingReported"
)

// RunStartedEvent indicates an engine run began executing.
type RunStartedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	RunID      uuid.UUID
	EngineName string
}

func NewRunStartedEvent(jobID, runID uuid.UUID, engineName string) RunStartedEvent {
	return RunStartedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		RunID:      runID,
		EngineName: engineName,
	}
}

func (e RunStartedEvent) EventType() events.EventType { return EventTypeRunStarted }
func (e RunStartedEvent) OccurredAt() time.Time       { return e.occurredAt }

// RunProgressedEvent signals a new progress update was accepted for a run.
type RunProgressedEvent struct {
	occurredAt time.Time
	Progress   Progress
}

func NewRunProgressedEvent(p Progress) RunProgressedEvent {
	return RunProgressedEvent{occurredAt: time.Now(), Progress: p}
}

func (e RunProgressedEvent) EventType() events.EventType { return EventTypeRunProgressed }
func (e RunProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// RunCompletedEvent means an engine run reached a terminal status.
type RunCompletedEvent struct {
	occurredAt  time.Time
	JobID       uuid.UUID
	RunID       uuid.UUID
	EngineName  string
	Status      RunStatus
	ErrorDetail string
}

func NewRunCompletedEvent(jobID, runID uuid.UUID, engineName string, status RunStatus, errorDetail string) RunCompletedEvent {
	return RunCompletedEvent{
		occurredAt:  time.Now(),
		JobID:       jobID,
		RunID:       runID,
		EngineName:  engineName,
		Status:      status,
		ErrorDetail: errorDetail,
	}
}

func (e RunCompletedEvent) EventType() events.EventType { return EventTypeRunCompleted }
func (e RunCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// FindingReportedEvent signals an engine surfaced a finding. Findings pass
// through aggregation unmodified, tagged with the reporting engine.
type FindingReportedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Finding    *Finding
}

func NewFindingReportedEvent(jobID uuid.UUID, finding *Finding) FindingReportedEvent {
	return FindingReportedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Finding:    finding,
	}
}

func (e FindingReportedEvent) EventType() events.EventType { return EventTypeFindingReported }
func (e FindingReportedEvent) OccurredAt() time.Time       { return e.occurredAt }
