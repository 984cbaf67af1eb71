// Package scanning provides domain types and interfaces for orchestrating
// scan jobs across heterogeneous engines. It defines the core abstractions
// needed to fan a job out to concurrent engine runs, track their progress,
// aggregate results, and handle partial failure.
package scanning

import (
	"context"

	"github.com/google/uuid"
)

// JobLedger is the durable record of jobs, engine runs, and findings, and the
// recovery source of truth if the orchestrating process restarts mid-scan. It
// is the only shared mutable resource touched by concurrent engine tasks;
// each task only mutates rows scoped to its own run.
type JobLedger interface {
	// CreateJob persists a job together with all of its engine runs in a
	// single atomic transaction. Either every row is created or none.
	CreateJob(ctx context.Context, job *Job, runs []*EngineRun) error

	// GetJob retrieves a job's current state.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJobStatus persists the job's status, error summary, and timeline.
	UpdateJobStatus(ctx context.Context, job *Job) error

	// SnapshotJobProgress persists the aggregated job-level progress
	// percentage. The write is monotonic-guarded: a snapshot below the
	// committed percentage is coalesced rather than applied.
	SnapshotJobProgress(ctx context.Context, snapshot JobProgressSnapshot) error

	// CreateEngineRun persists a single run. It is idempotent per
	// (job, engine): re-creating an existing pair is a no-op.
	CreateEngineRun(ctx context.Context, run *EngineRun) error

	// StartEngineRun persists a run's transition into the running state.
	StartEngineRun(ctx context.Context, run *EngineRun) error

	// UpdateRunProgress persists a run's progress. The write carries a
	// sequence guard so an out-of-order update can never roll back committed
	// progress.
	UpdateRunProgress(ctx context.Context, run *EngineRun) error

	// CompleteEngineRun persists a run's terminal status. Completing an
	// already-terminal run is a no-op, not an error.
	CompleteEngineRun(ctx context.Context, run *EngineRun) error

	// GetEngineRun retrieves a single run by ID.
	GetEngineRun(ctx context.Context, runID uuid.UUID) (*EngineRun, error)

	// ListEngineRuns retrieves all runs belonging to a job.
	ListEngineRuns(ctx context.Context, jobID uuid.UUID) ([]*EngineRun, error)

	// UpsertFinding persists a finding keyed on (run, natural key).
	// Re-delivery of the same key updates the row instead of duplicating it.
	UpsertFinding(ctx context.Context, finding *Finding) error

	// ListFindings retrieves all findings reported for a job, ordered by
	// severity rank.
	ListFindings(ctx context.Context, jobID uuid.UUID) ([]*Finding, error)

	// FindingSeverityCounts tallies a job's findings per severity class.
	FindingSeverityCounts(ctx context.Context, jobID uuid.UUID) (SeverityCounts, error)
}
