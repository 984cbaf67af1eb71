package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/events"
)

// StreamKind identifies the kind of a sequenced job-level stream event
// delivered to subscribers.
type StreamKind string

const (
	// StreamKindProgress carries an aggregated job progress snapshot.
	StreamKindProgress StreamKind = "progress_update"

	// StreamKindFinding carries a single finding tagged with its engine.
	StreamKindFinding StreamKind = "finding"

	// StreamKindCompletion carries the final completion summary for a job.
	StreamKindCompletion StreamKind = "scan_completion"
)

// EngineProgress is the per-engine slice of a job progress snapshot.
type EngineProgress struct {
	EngineName string
	Status     RunStatus
	Fraction   float64
	Message    string
}

// JobProgressSnapshot is the aggregated job-level view recomputed on every
// incoming per-engine event. It is what subscribers render as the overall
// progress bar.
type JobProgressSnapshot struct {
	JobID           uuid.UUID
	Status          JobStatus
	OverallProgress float64
	Engines         []EngineProgress

	// Message describes the engine currently in focus, taken from the most
	// recent per-engine update.
	Message string

	Timestamp time.Time
}

// JobCompletionSummary is the terminal event payload for a job stream. It
// gives subscribers everything needed to render a final report header.
type JobCompletionSummary struct {
	JobID          uuid.UUID
	Status         JobStatus
	SeverityCounts SeverityCounts
	TotalFindings  int
	RiskScore      float64
	Duration       time.Duration
	ErrorSummary   string
}

// JobStreamEvent is one sequenced element of a job's subscriber-facing stream.
// Sequence numbers increase by one per event within a job, letting clients
// detect gaps and request replay. Exactly one payload field is set, matching
// Kind.
type JobStreamEvent struct {
	JobID      uuid.UUID
	Seq        uint64
	Kind       StreamKind
	OccurredAt time.Time

	Snapshot   *JobProgressSnapshot
	Finding    *Finding
	Completion *JobCompletionSummary
}

// EventTypeJobStreamEmitted routes aggregated stream events to the gateway.
const EventTypeJobStreamEmitted events.EventType = "JobStreamEmitted"

// JobStreamEmittedEvent wraps one JobStreamEvent for delivery over the event
// bus.
type JobStreamEmittedEvent struct {
	occurredAt time.Time
	Event      JobStreamEvent
}

func NewJobStreamEmittedEvent(evt JobStreamEvent) JobStreamEmittedEvent {
	return JobStreamEmittedEvent{occurredAt: time.Now(), Event: evt}
}

func (e JobStreamEmittedEvent) EventType() events.EventType { return EventTypeJobStreamEmitted }
func (e JobStreamEmittedEvent) OccurredAt() time.Time       { return e.occurredAt }
