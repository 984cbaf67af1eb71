// Package postgres implements the scanning job ledger on PostgreSQL. It is
// the durable record of jobs, engine runs, and findings, and the recovery
// source of truth when the engine restarts mid-scan.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/internal/infra/storage"
)

// ledgerStore implements scanning.JobLedger using PostgreSQL as the backing
// store. Progress writes carry their guards in SQL so concurrent engine tasks
// and a racing aggregator can never roll committed state backwards.
var _ scanning.JobLedger = (*ledgerStore)(nil)

type ledgerStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewLedger creates a PostgreSQL-backed job ledger with tracing capabilities.
func NewLedger(pool *pgxpool.Pool, tracer trace.Tracer) *ledgerStore {
	return &ledgerStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const createJobQuery = `
INSERT INTO scan_jobs (
	job_id, owner_id, target_url, engines, status,
	overall_progress, error_summary, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (job_id) DO NOTHING
`

const createRunQuery = `
INSERT INTO engine_runs (run_id, job_id, engine_name, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (job_id, engine_name) DO NOTHING
`

// CreateJob persists a job together with all of its engine runs in a single
// transaction. A retried create after a lost response is a no-op thanks to
// the conflict guards, so the orchestrator's write retries stay safe.
func (s *ledgerStore) CreateJob(ctx context.Context, job *scanning.Job, runs []*scanning.EngineRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.Int("num_runs", len(runs)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, createJobQuery,
			job.JobID(),
			job.OwnerID(),
			job.TargetURL(),
			job.Engines(),
			string(job.Status()),
			job.OverallProgress(),
			job.ErrorSummary(),
			job.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}

		for _, run := range runs {
			_, err = tx.Exec(ctx, createRunQuery,
				run.RunID(),
				run.JobID(),
				run.EngineName(),
				string(run.Status()),
				run.GetTimeline().CreatedAt(),
			)
			if err != nil {
				return fmt.Errorf("CreateJob run insert error: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

const getJobQuery = `
SELECT job_id, owner_id, target_url, engines, status,
	overall_progress, error_summary, created_at, started_at, completed_at
FROM scan_jobs
WHERE job_id = $1
`

// GetJob retrieves a scan job and reconstructs the domain aggregate from the
// stored row.
func (s *ledgerStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		var (
			id, ownerID     uuid.UUID
			targetURL       string
			engines         []string
			status          string
			overallProgress float64
			errorSummary    string
			createdAt       time.Time
			startedAt       pgtype.Timestamptz
			completedAt     pgtype.Timestamptz
		)

		err := s.db.QueryRow(ctx, getJobQuery, jobID).Scan(
			&id, &ownerID, &targetURL, &engines, &status,
			&overallProgress, &errorSummary, &createdAt, &startedAt, &completedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}

		timeline := scanning.ReconstructTimeline(createdAt, startedAt.Time, completedAt.Time)
		job = scanning.ReconstructJob(
			id, ownerID, targetURL, engines,
			scanning.ParseJobStatus(status),
			overallProgress, errorSummary, timeline,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

const updateJobStatusQuery = `
UPDATE scan_jobs
SET status = $2,
	error_summary = $3,
	overall_progress = GREATEST(overall_progress, $4),
	started_at = COALESCE(started_at, $5),
	completed_at = COALESCE($6, completed_at),
	updated_at = NOW()
WHERE job_id = $1
`

// UpdateJobStatus persists the job's status, error summary, and timeline. The
// progress column is floor-guarded because the aggregator snapshots the same
// row concurrently.
func (s *ledgerStore) UpdateJobStatus(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job_status", dbAttrs, func(ctx context.Context) error {
		startedAt := pgtype.Timestamptz{Time: job.StartTime(), Valid: !job.StartTime().IsZero()}
		var completedAt pgtype.Timestamptz
		if endTime, ok := job.EndTime(); ok {
			completedAt = pgtype.Timestamptz{Time: endTime, Valid: true}
		}

		res, err := s.db.Exec(ctx, updateJobStatusQuery,
			job.JobID(),
			string(job.Status()),
			job.ErrorSummary(),
			job.OverallProgress(),
			startedAt,
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("UpdateJobStatus query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}

		return nil
	})
}

const snapshotJobProgressQuery = `
UPDATE scan_jobs
SET overall_progress = GREATEST(overall_progress, $2),
	updated_at = NOW()
WHERE job_id = $1
`

// SnapshotJobProgress persists the aggregated job-level progress percentage.
// A snapshot below the committed percentage is coalesced by the floor guard
// rather than applied, keeping displayed progress monotonic.
func (s *ledgerStore) SnapshotJobProgress(ctx context.Context, snapshot scanning.JobProgressSnapshot) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", snapshot.JobID.String()),
		attribute.Float64("overall_progress", snapshot.OverallProgress),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.snapshot_job_progress", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, snapshotJobProgressQuery, snapshot.JobID, snapshot.OverallProgress)
		if err != nil {
			return fmt.Errorf("SnapshotJobProgress query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}

		return nil
	})
}
