package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Progress represents a point-in-time status update from an engine run. It is
// a transient value: only the latest applied update survives on the run itself.
type Progress struct {
	jobID       uuid.UUID
	runID       uuid.UUID
	engineName  string
	sequenceNum int64
	fraction    float64
	message     string
	timestamp   time.Time
}

// NewProgress creates a new Progress update. Fractions outside [0, 1] are
// clamped so adapters with sloppy arithmetic cannot push a run beyond its
// bounds.
func NewProgress(
	jobID, runID uuid.UUID,
	engineName string,
	sequenceNum int64,
	fraction float64,
	message string,
	timestamp time.Time,
) Progress {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return Progress{
		jobID:       jobID,
		runID:       runID,
		engineName:  engineName,
		sequenceNum: sequenceNum,
		fraction:    fraction,
		message:     message,
		timestamp:   timestamp,
	}
}

// JobID returns the identifier of the job the reporting run belongs to.
func (p Progress) JobID() uuid.UUID { return p.jobID }

// RunID returns the identifier of the reporting engine run.
func (p Progress) RunID() uuid.UUID { return p.runID }

// EngineName returns the engine that produced this update.
func (p Progress) EngineName() string { return p.engineName }

// SequenceNum returns the sequence number of this progress update. Sequence
// numbers are strictly increasing per (job, engine).
func (p Progress) SequenceNum() int64 { return p.sequenceNum }

// Fraction returns the fractional progress in [0, 1].
func (p Progress) Fraction() float64 { return p.fraction }

// Message returns the engine's human-readable description of the current
// activity.
func (p Progress) Message() string { return p.message }

// Timestamp returns the time the progress update was created.
func (p Progress) Timestamp() time.Time { return p.timestamp }
