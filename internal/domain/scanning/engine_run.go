package scanning

import (
	"time"

	"github.com/google/uuid"
)

// EngineRun tracks the full lifecycle and state of a single engine's execution
// within a job. Exactly one run exists per (job, engine) pair, and only the
// run's own engine task and the cancellation path may mutate it.
type EngineRun struct {
	runID      uuid.UUID
	jobID      uuid.UUID
	engineName string

	status      RunStatus
	fraction    float64
	message     string
	errorDetail string

	lastSequenceNum int64
	timeline        *Timeline
}

// RunOption defines functional options for configuring a new EngineRun.
type RunOption func(*EngineRun)

// WithRunTimeProvider sets a custom time provider for the run's timeline.
func WithRunTimeProvider(tp TimeProvider) RunOption {
	return func(r *EngineRun) { r.timeline = NewTimeline(tp) }
}

// NewEngineRun creates a new EngineRun in the pending state for tracking one
// engine's execution within the given job.
func NewEngineRun(runID, jobID uuid.UUID, engineName string, opts ...RunOption) *EngineRun {
	run := &EngineRun{
		runID:      runID,
		jobID:      jobID,
		engineName: engineName,
		status:     RunStatusPending,
		timeline:   NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(run)
	}

	return run
}

// ReconstructEngineRun creates an EngineRun from persisted data without
// enforcing creation-time invariants. This should only be used by repositories
// when reconstructing from storage.
func ReconstructEngineRun(
	runID, jobID uuid.UUID,
	engineName string,
	status RunStatus,
	fraction float64,
	message string,
	errorDetail string,
	lastSequenceNum int64,
	timeline *Timeline,
) *EngineRun {
	return &EngineRun{
		runID:           runID,
		jobID:           jobID,
		engineName:      engineName,
		status:          status,
		fraction:        fraction,
		message:         message,
		errorDetail:     errorDetail,
		lastSequenceNum: lastSequenceNum,
		timeline:        timeline,
	}
}

// RunID returns the unique identifier for this engine run.
func (r *EngineRun) RunID() uuid.UUID { return r.runID }

// JobID returns the identifier of the parent job containing this run.
func (r *EngineRun) JobID() uuid.UUID { return r.jobID }

// EngineName returns the name of the engine executing this run.
func (r *EngineRun) EngineName() string { return r.engineName }

// Status returns the current execution status of the run.
func (r *EngineRun) Status() RunStatus { return r.status }

// Fraction returns the run's fractional progress in [0, 1].
func (r *EngineRun) Fraction() float64 { return r.fraction }

// Message returns the engine's most recent progress message.
func (r *EngineRun) Message() string { return r.message }

// ErrorDetail returns the failure detail, empty unless the run failed.
func (r *EngineRun) ErrorDetail() string { return r.errorDetail }

// LastSequenceNum returns the sequence number of the most recent progress
// update applied to this run.
func (r *EngineRun) LastSequenceNum() int64 { return r.lastSequenceNum }

// StartTime returns the time the run started executing.
func (r *EngineRun) StartTime() time.Time { return r.timeline.StartedAt() }

// EndTime returns the time the run reached a terminal state.
func (r *EngineRun) EndTime() time.Time { return r.timeline.CompletedAt() }

// GetTimeline provides access to the run's timeline information.
func (r *EngineRun) GetTimeline() *Timeline { return r.timeline }

// Start transitions the run to the running state. This marks the beginning of
// engine execution.
func (r *EngineRun) Start() error {
	if err := r.status.validateTransition(RunStatusRunning); err != nil {
		return RunInvalidStateError{
			runID:  r.runID,
			status: r.status,
			reason: RunInvalidStateReasonWrongStatus,
		}
	}
	r.status = RunStatusRunning
	r.timeline.MarkStarted()
	return nil
}

// ApplyProgress applies a progress update to this run's state. Updates with a
// sequence number at or below the last applied one are rejected with
// OutOfOrderProgressError, and a delayed duplicate can therefore never roll
// the displayed fraction back. Fractions lower than the current one are
// coalesced into it.
func (r *EngineRun) ApplyProgress(progress Progress) error {
	if r.status.IsTerminal() {
		return RunInvalidStateError{
			runID:  r.runID,
			status: r.status,
			reason: RunInvalidStateReasonTerminal,
		}
	}

	if progress.SequenceNum() <= r.lastSequenceNum {
		return NewOutOfOrderProgressError(r.runID, progress.SequenceNum(), r.lastSequenceNum)
	}

	// A progress update from the engine implies it is executing even if the
	// explicit start signal has not landed yet.
	if r.status == RunStatusPending {
		if err := r.Start(); err != nil {
			return err
		}
	}

	r.lastSequenceNum = progress.SequenceNum()
	if progress.Fraction() > r.fraction {
		r.fraction = progress.Fraction()
	}
	if progress.Message() != "" {
		r.message = progress.Message()
	}
	r.timeline.UpdateLastUpdate()

	return nil
}

// Complete moves the run to the given terminal status. Completion is
// idempotent: finishing an already-terminal run is a no-op rather than an
// error, so racing completion paths (budget expiry, forced termination,
// normal finish) keep the first recorded outcome.
func (r *EngineRun) Complete(status RunStatus, errorDetail string) error {
	if !status.IsTerminal() {
		return RunInvalidStateError{
			runID:  r.runID,
			status: r.status,
			reason: RunInvalidStateReasonNotTerminal,
		}
	}

	if r.status.IsTerminal() {
		return nil
	}

	if err := r.status.validateTransition(status); err != nil {
		return err
	}

	r.status = status
	r.errorDetail = errorDetail
	if status == RunStatusSucceeded {
		r.fraction = 1
	}
	r.timeline.MarkCompleted()

	return nil
}
