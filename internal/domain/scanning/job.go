package scanning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job coordinates and tracks one user-initiated scan spanning one or more
// engines against a single target. It provides aggregated status and progress
// tracking across all child engine runs.
type Job struct {
	jobID     uuid.UUID
	ownerID   uuid.UUID
	targetURL string
	engines   []string

	status          JobStatus
	overallProgress float64
	errorSummary    string
	timeline        *Timeline
}

// JobOption defines functional options for configuring a new Job.
type JobOption func(*Job)

// WithJobTimeProvider sets a custom time provider for the job's timeline.
func WithJobTimeProvider(tp TimeProvider) JobOption {
	return func(j *Job) { j.timeline = NewTimeline(tp) }
}

// NewJob creates a new Job in the pending state. The engine list must already
// be validated and de-duplicated by the caller; the slice is copied so later
// mutation of the argument cannot leak into the aggregate.
func NewJob(jobID, ownerID uuid.UUID, targetURL string, engines []string, opts ...JobOption) *Job {
	job := &Job{
		jobID:     jobID,
		ownerID:   ownerID,
		targetURL: targetURL,
		engines:   append([]string(nil), engines...),
		status:    JobStatusPending,
		timeline:  NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(job)
	}

	return job
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID, ownerID uuid.UUID,
	targetURL string,
	engines []string,
	status JobStatus,
	overallProgress float64,
	errorSummary string,
	timeline *Timeline,
) *Job {
	return &Job{
		jobID:           jobID,
		ownerID:         ownerID,
		targetURL:       targetURL,
		engines:         engines,
		status:          status,
		overallProgress: overallProgress,
		errorSummary:    errorSummary,
		timeline:        timeline,
	}
}

// JobID returns the unique identifier for this scan job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// OwnerID returns the identifier of the user that submitted this job.
// Subscription authorization is checked against it.
func (j *Job) OwnerID() uuid.UUID { return j.ownerID }

// TargetURL returns the URL this job scans.
func (j *Job) TargetURL() string { return j.targetURL }

// Engines returns the ordered set of engine names requested for this job.
func (j *Job) Engines() []string { return append([]string(nil), j.engines...) }

// Status returns the current execution status of the scan job.
func (j *Job) Status() JobStatus { return j.status }

// OverallProgress returns the aggregated progress percentage in [0, 100].
func (j *Job) OverallProgress() float64 { return j.overallProgress }

// ErrorSummary returns the terminal error summary, empty unless the job
// failed or was only partially completed.
func (j *Job) ErrorSummary() string { return j.errorSummary }

// CreatedAt returns when this scan job was accepted.
func (j *Job) CreatedAt() time.Time { return j.timeline.CreatedAt() }

// StartTime returns when this scan job began executing.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when this scan job reached a terminal state. The boolean is
// false while the job is still in flight.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// Duration returns the elapsed wall-clock time of the job's execution.
func (j *Job) Duration() time.Duration { return j.timeline.Duration() }

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// HasEngine reports whether the given engine name is part of this job.
func (j *Job) HasEngine(name string) bool {
	for _, e := range j.engines {
		if e == name {
			return true
		}
	}
	return false
}

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.validateTransition(newStatus); err != nil {
		return err
	}

	// Mark the start time when leaving PENDING as this represents the
	// beginning of actual job execution.
	if j.status == JobStatusPending && newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
	}

	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	}

	j.status = newStatus
	return nil
}

// ApplyOverallProgress records a new aggregated progress percentage. Displayed
// progress never regresses: values below the current one are coalesced into
// it, and values are clamped to [0, 100].
func (j *Job) ApplyOverallProgress(pct float64) {
	if pct < j.overallProgress {
		return
	}
	if pct > 100 {
		pct = 100
	}
	j.overallProgress = pct
	j.timeline.UpdateLastUpdate()
}

// Complete finalizes the job with the given terminal status and error summary.
// It returns an error if the status is not terminal or the transition is
// invalid.
func (j *Job) Complete(status JobStatus, errorSummary string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("job %s: completion status %s is not terminal", j.jobID, status)
	}
	if err := j.UpdateStatus(status); err != nil {
		return err
	}
	j.errorSummary = errorSummary
	if status == JobStatusCompleted || status == JobStatusCompletedPartial {
		j.overallProgress = 100
	}
	return nil
}

// FinalStatusFor derives a job's terminal status from the terminal statuses of
// its runs: every run failed means the job failed, a mix of success and
// failure is a partial completion, and a uniform success completes the job. A
// cancelled run only occurs on the cancellation path, which takes precedence.
func FinalStatusFor(statuses []RunStatus) JobStatus {
	var succeeded, failed, cancelled int
	for _, s := range statuses {
		switch s {
		case RunStatusSucceeded:
			succeeded++
		case RunStatusFailed:
			failed++
		case RunStatusCancelled:
			cancelled++
		}
	}

	switch {
	case cancelled > 0:
		return JobStatusCancelled
	case failed > 0 && succeeded == 0:
		return JobStatusFailed
	case failed > 0:
		return JobStatusCompletedPartial
	default:
		return JobStatusCompleted
	}
}
