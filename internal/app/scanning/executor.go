package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvidsec/raven/internal/domain/events"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// runOutcome is the terminal result of one engine run as observed by the
// executor, before it is persisted.
type runOutcome struct {
	status domain.RunStatus
	detail string
}

// EngineExecutor drives a single engine run end to end: it starts the
// adapter, consumes its update stream, persists progress and findings,
// enforces the wall-clock budget, and lands the run in exactly one terminal
// state. Failures of any kind, including an adapter ignoring cooperative
// cancellation, are converted into terminal run states so no run is ever
// left hanging.
type EngineExecutor struct {
	ledger    domain.JobLedger
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEngineExecutor assembles an executor around the ledger and publisher.
func NewEngineExecutor(
	ledger domain.JobLedger,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
) *EngineExecutor {
	return &EngineExecutor{
		ledger:    ledger,
		publisher: publisher,
		logger:    log.With("component", "engine_executor"),
		tracer:    tracer,
	}
}

// ExecuteRun runs one engine to completion and returns the terminal status
// it recorded. Cancelling ctx triggers the cooperative-then-forced
// termination path; the run then lands in CANCELLED. The call only returns
// once the run is terminal.
func (e *EngineExecutor) ExecuteRun(
	ctx context.Context,
	adapter domain.EngineAdapter,
	run *domain.EngineRun,
	spec domain.RunSpec,
	policy EnginePolicy,
) (domain.RunStatus, string) {
	logger := e.logger.With(
		"operation", "execute_run",
		"job_id", spec.JobID,
		"run_id", spec.RunID,
		"engine", adapter.Name(),
	)
	ctx, span := e.tracer.Start(ctx, "engine_executor.execute_run",
		trace.WithAttributes(
			attribute.String("job_id", spec.JobID.String()),
			attribute.String("run_id", spec.RunID.String()),
			attribute.String("engine", adapter.Name()),
			attribute.String("budget", policy.Budget.String()),
		),
	)
	defer span.End()
	logger.Debug(ctx, "starting engine run")

	handle, err := adapter.Start(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine failed to start")
		outcome := runOutcome{
			status: domain.RunStatusFailed,
			detail: domain.NewAdapterError(adapter.Name(), err).Error(),
		}
		e.completeRun(ctx, logger, run, spec, adapter.Name(), outcome)
		return outcome.status, outcome.detail
	}
	span.AddEvent("engine_started")

	if err := run.Start(); err != nil {
		// The run row is in an unexpected state; kill the engine rather than
		// execute against a run we cannot own.
		handle.Kill()
		span.RecordError(err)
		span.SetStatus(codes.Error, "run not startable")
		outcome := runOutcome{status: domain.RunStatusFailed, detail: err.Error()}
		e.completeRun(ctx, logger, run, spec, adapter.Name(), outcome)
		return outcome.status, outcome.detail
	}
	if err := writeLedger(ctx, logger, "start_engine_run", func() error {
		return e.ledger.StartEngineRun(ctx, run)
	}); err != nil {
		logger.Warn(ctx, "run start not persisted; continuing with in-memory state", "error", err)
	}
	if err := e.publisher.PublishDomainEvent(ctx,
		domain.NewRunStartedEvent(spec.JobID, spec.RunID, adapter.Name()),
		events.WithKey(spec.JobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish run started event", "error", err)
	}

	outcome := e.consumeUpdates(ctx, logger, handle, run, spec, adapter.Name(), policy)

	span.SetAttributes(attribute.String("terminal_status", string(outcome.status)))
	e.completeRun(ctx, logger, run, spec, adapter.Name(), outcome)
	if outcome.status == domain.RunStatusFailed {
		span.SetStatus(codes.Error, outcome.detail)
	} else {
		span.SetStatus(codes.Ok, "run terminal")
	}
	logger.Info(ctx, "engine run finished", "status", outcome.status, "detail", outcome.detail)

	return outcome.status, outcome.detail
}

// consumeUpdates pumps the adapter's update stream until a terminal signal,
// the wall-clock budget, or cancellation ends the run.
func (e *EngineExecutor) consumeUpdates(
	ctx context.Context,
	logger *logger.Logger,
	handle domain.RunHandle,
	run *domain.EngineRun,
	spec domain.RunSpec,
	engineName string,
	policy EnginePolicy,
) runOutcome {
	var budgetCh <-chan time.Time
	if policy.Budget > 0 {
		budget := time.NewTimer(policy.Budget)
		defer budget.Stop()
		budgetCh = budget.C
	}

	seq := run.LastSequenceNum()
	for {
		select {
		case upd, ok := <-handle.Updates():
			if !ok {
				// The stream ended without a terminal update. The adapter
				// broke its contract; fail the run rather than hang.
				return runOutcome{
					status: domain.RunStatusFailed,
					detail: fmt.Sprintf("engine %s closed its update stream without a terminal signal", engineName),
				}
			}
			if upd.Finding != nil {
				e.recordFinding(ctx, logger, spec.JobID, upd.Finding)
			}
			if upd.Done {
				return e.outcomeFor(ctx, engineName, upd.Err)
			}
			seq++
			e.applyProgress(ctx, logger, run, spec, engineName, seq, upd)

		case <-budgetCh:
			detail := fmt.Sprintf("wall-clock budget %s exceeded", policy.Budget)
			logger.Warn(ctx, "engine run exceeded its budget; terminating", "budget", policy.Budget)
			return e.terminate(ctx, logger, handle, spec, domain.RunStatusFailed, detail, policy.Grace)

		case <-ctx.Done():
			return e.terminate(ctx, logger, handle, spec, domain.RunStatusCancelled, "cancelled on request", policy.Grace)
		}
	}
}

// terminate drives the cooperative-then-forced termination path: request a
// cancel, give the engine the grace window to land a terminal update, then
// kill the underlying session. The outcome status is decided by the caller
// (FAILED for budget expiry, CANCELLED for an explicit cancel); the engine's
// own late terminal signal cannot override it.
func (e *EngineExecutor) terminate(
	ctx context.Context,
	logger *logger.Logger,
	handle domain.RunHandle,
	spec domain.RunSpec,
	status domain.RunStatus,
	detail string,
	grace time.Duration,
) runOutcome {
	if grace <= 0 {
		grace = DefaultCancelGrace
	}

	// The run's own context may already be cancelled; cleanup gets its own
	// deadline so the cancel request can still reach the engine.
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	if err := handle.Cancel(cancelCtx); err != nil {
		logger.Debug(ctx, "cooperative cancel returned error", "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	for {
		select {
		case upd, ok := <-handle.Updates():
			if !ok || upd.Done {
				return runOutcome{status: status, detail: detail}
			}
			// Findings surfaced while winding down are still worth keeping.
			if upd.Finding != nil {
				e.recordFinding(cancelCtx, logger, spec.JobID, upd.Finding)
			}

		case <-graceTimer.C:
			logger.Warn(ctx, "engine ignored cooperative cancel; force-terminating", "grace", grace)
			handle.Kill()
			return runOutcome{status: status, detail: detail + " (forced termination)"}
		}
	}
}

// applyProgress stamps the update with the run's next sequence number,
// applies it to the aggregate, persists it, and republishes it as a domain
// event for the aggregator.
func (e *EngineExecutor) applyProgress(
	ctx context.Context,
	logger *logger.Logger,
	run *domain.EngineRun,
	spec domain.RunSpec,
	engineName string,
	seq int64,
	upd domain.RunUpdate,
) {
	progress := domain.NewProgress(
		spec.JobID, spec.RunID, engineName,
		seq, upd.Fraction, upd.Message, time.Now().UTC(),
	)
	if err := run.ApplyProgress(progress); err != nil {
		logger.Debug(ctx, "progress update rejected", "seq", seq, "error", err)
		return
	}

	if err := writeLedger(ctx, logger, "update_run_progress", func() error {
		return e.ledger.UpdateRunProgress(ctx, run)
	}); err != nil {
		logger.Warn(ctx, "progress not persisted", "seq", seq, "error", err)
	}

	if err := e.publisher.PublishDomainEvent(ctx,
		domain.NewRunProgressedEvent(progress),
		events.WithKey(spec.JobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish run progress event", "error", err)
	}
}

// recordFinding upserts a finding and republishes it as a domain event.
// Re-delivery of the same natural key lands on the existing row.
func (e *EngineExecutor) recordFinding(ctx context.Context, logger *logger.Logger, jobID uuid.UUID, finding *domain.Finding) {
	if err := writeLedger(ctx, logger, "upsert_finding", func() error {
		return e.ledger.UpsertFinding(ctx, finding)
	}); err != nil {
		logger.Error(ctx, "finding not persisted",
			"natural_key", finding.NaturalKey(),
			"severity", finding.Severity(),
			"error", err,
		)
		return
	}

	if err := e.publisher.PublishDomainEvent(ctx,
		domain.NewFindingReportedEvent(jobID, finding),
		events.WithKey(jobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish finding event", "error", err)
	}
}

// outcomeFor maps an adapter's terminal error into a run outcome.
func (e *EngineExecutor) outcomeFor(ctx context.Context, engineName string, err error) runOutcome {
	switch {
	case err == nil:
		return runOutcome{status: domain.RunStatusSucceeded}
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return runOutcome{status: domain.RunStatusCancelled, detail: "cancelled on request"}
	default:
		return runOutcome{
			status: domain.RunStatusFailed,
			detail: domain.NewAdapterError(engineName, err).Error(),
		}
	}
}

// completeRun persists the run's terminal state and publishes the completion
// event. Completion is idempotent at both the aggregate and the ledger, so a
// racing termination path cannot double-finalize.
func (e *EngineExecutor) completeRun(
	ctx context.Context,
	logger *logger.Logger,
	run *domain.EngineRun,
	spec domain.RunSpec,
	engineName string,
	outcome runOutcome,
) {
	if err := run.Complete(outcome.status, outcome.detail); err != nil {
		logger.Error(ctx, "run completion rejected by aggregate", "status", outcome.status, "error", err)
	}

	// Cleanup writes must survive a cancelled run context.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := writeLedger(persistCtx, logger, "complete_engine_run", func() error {
		return e.ledger.CompleteEngineRun(persistCtx, run)
	}); err != nil {
		logger.Error(ctx, "terminal run state not persisted",
			"alert", "run_completion_lost",
			"status", outcome.status,
			"error", err,
		)
	}

	if err := e.publisher.PublishDomainEvent(persistCtx,
		domain.NewRunCompletedEvent(spec.JobID, spec.RunID, engineName, outcome.status, outcome.detail),
		events.WithKey(spec.JobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish run completed event", "error", err)
	}
}
