package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/internal/infra/storage"
)

// CreateEngineRun persists a single run. Re-creating an existing (job, engine)
// pair is a no-op so a retried create cannot duplicate a run.
func (s *ledgerStore) CreateEngineRun(ctx context.Context, run *scanning.EngineRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", run.RunID().String()),
		attribute.String("job_id", run.JobID().String()),
		attribute.String("engine_name", run.EngineName()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_engine_run", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, createRunQuery,
			run.RunID(),
			run.JobID(),
			run.EngineName(),
			string(run.Status()),
			run.GetTimeline().CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateEngineRun insert error: %w", err)
		}
		return nil
	})
}

const startEngineRunQuery = `
UPDATE engine_runs
SET status = 'RUNNING',
	started_at = COALESCE(started_at, $2),
	updated_at = NOW()
WHERE run_id = $1 AND status = 'PENDING'
`

// StartEngineRun persists a run's transition into the running state. Starting
// a run that has already left PENDING is a no-op.
func (s *ledgerStore) StartEngineRun(ctx context.Context, run *scanning.EngineRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", run.RunID().String()),
		attribute.String("engine_name", run.EngineName()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.start_engine_run", dbAttrs, func(ctx context.Context) error {
		startedAt := pgtype.Timestamptz{Time: run.StartTime(), Valid: !run.StartTime().IsZero()}
		res, err := s.db.Exec(ctx, startEngineRunQuery, run.RunID(), startedAt)
		if err != nil {
			return fmt.Errorf("StartEngineRun query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return s.requireRun(ctx, run.RunID())
		}
		return nil
	})
}

const updateRunProgressQuery = `
UPDATE engine_runs
SET status = $2,
	fraction = GREATEST(fraction, $3),
	message = $4,
	last_sequence_num = $5,
	started_at = COALESCE(started_at, $6),
	updated_at = NOW()
WHERE run_id = $1
	AND last_sequence_num < $5
	AND status IN ('PENDING', 'RUNNING')
`

// UpdateRunProgress persists a run's progress. The write carries the sequence
// guard in its predicate: an update at or below the committed sequence number
// matches zero rows and is coalesced, so a delayed duplicate can never roll
// back committed progress.
func (s *ledgerStore) UpdateRunProgress(ctx context.Context, run *scanning.EngineRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", run.RunID().String()),
		attribute.Float64("fraction", run.Fraction()),
		attribute.Int64("sequence_num", run.LastSequenceNum()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_run_progress", dbAttrs, func(ctx context.Context) error {
		startedAt := pgtype.Timestamptz{Time: run.StartTime(), Valid: !run.StartTime().IsZero()}
		res, err := s.db.Exec(ctx, updateRunProgressQuery,
			run.RunID(),
			string(run.Status()),
			run.Fraction(),
			run.Message(),
			run.LastSequenceNum(),
			startedAt,
		)
		if err != nil {
			return fmt.Errorf("UpdateRunProgress query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return s.requireRun(ctx, run.RunID())
		}
		return nil
	})
}

const completeEngineRunQuery = `
UPDATE engine_runs
SET status = $2,
	fraction = GREATEST(fraction, $3),
	error_detail = $4,
	started_at = COALESCE(started_at, $5),
	completed_at = $6,
	updated_at = NOW()
WHERE run_id = $1 AND status IN ('PENDING', 'RUNNING')
`

// CompleteEngineRun persists a run's terminal status. Completing an
// already-terminal run matches zero rows and is a no-op, so racing completion
// paths keep the first recorded outcome.
func (s *ledgerStore) CompleteEngineRun(ctx context.Context, run *scanning.EngineRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", run.RunID().String()),
		attribute.String("status", string(run.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_engine_run", dbAttrs, func(ctx context.Context) error {
		startedAt := pgtype.Timestamptz{Time: run.StartTime(), Valid: !run.StartTime().IsZero()}
		completedAt := pgtype.Timestamptz{Time: run.EndTime(), Valid: !run.EndTime().IsZero()}
		res, err := s.db.Exec(ctx, completeEngineRunQuery,
			run.RunID(),
			string(run.Status()),
			run.Fraction(),
			run.ErrorDetail(),
			startedAt,
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("CompleteEngineRun query error: %w", err)
		}
		if res.RowsAffected() == 0 {
			return s.requireRun(ctx, run.RunID())
		}
		return nil
	})
}

// requireRun resolves a zero-row guarded write: a missing run is an error
// while a guard rejection (stale sequence, already terminal) is a no-op.
func (s *ledgerStore) requireRun(ctx context.Context, runID uuid.UUID) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM engine_runs WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("run existence check error: %w", err)
	}
	if !exists {
		return scanning.ErrRunNotFound
	}
	return nil
}

const getEngineRunQuery = `
SELECT run_id, job_id, engine_name, status, fraction, message,
	error_detail, last_sequence_num, created_at, started_at, completed_at
FROM engine_runs
WHERE run_id = $1
`

// GetEngineRun retrieves a single run by ID.
func (s *ledgerStore) GetEngineRun(ctx context.Context, runID uuid.UUID) (*scanning.EngineRun, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", runID.String()),
	)

	var run *scanning.EngineRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_engine_run", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRow(ctx, getEngineRunQuery, runID)
		loaded, err := scanRunRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrRunNotFound
			}
			return fmt.Errorf("GetEngineRun query error: %w", err)
		}
		run = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

const listEngineRunsQuery = `
SELECT run_id, job_id, engine_name, status, fraction, message,
	error_detail, last_sequence_num, created_at, started_at, completed_at
FROM engine_runs
WHERE job_id = $1
ORDER BY created_at, engine_name
`

// ListEngineRuns retrieves all runs belonging to a job in dispatch order.
func (s *ledgerStore) ListEngineRuns(ctx context.Context, jobID uuid.UUID) ([]*scanning.EngineRun, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var runs []*scanning.EngineRun
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_engine_runs", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listEngineRunsQuery, jobID)
		if err != nil {
			return fmt.Errorf("ListEngineRuns query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRunRow(rows)
			if err != nil {
				return fmt.Errorf("ListEngineRuns scan error: %w", err)
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}

// scanRunRow reconstructs one engine run from a row.
func scanRunRow(row pgx.Row) (*scanning.EngineRun, error) {
	var (
		runID, jobID    uuid.UUID
		engineName      string
		status          string
		fraction        float64
		message         string
		errorDetail     string
		lastSequenceNum int64
		createdAt       time.Time
		startedAt       pgtype.Timestamptz
		completedAt     pgtype.Timestamptz
	)

	err := row.Scan(
		&runID, &jobID, &engineName, &status, &fraction, &message,
		&errorDetail, &lastSequenceNum, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	timeline := scanning.ReconstructTimeline(createdAt, startedAt.Time, completedAt.Time)
	return scanning.ReconstructEngineRun(
		runID, jobID, engineName,
		scanning.ParseRunStatus(status),
		fraction, message, errorDetail, lastSequenceNum, timeline,
	), nil
}
