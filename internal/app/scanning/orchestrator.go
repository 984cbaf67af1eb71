package scanning

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvidsec/raven/internal/domain/events"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// SubmitScanCommand carries one scan request into the orchestrator.
type SubmitScanCommand struct {
	OwnerID   uuid.UUID
	TargetURL string
	Engines   []string

	// Options are per-engine overrides keyed by engine name, layered on top
	// of the configured engine defaults.
	Options map[string]map[string]any
}

// jobExecution tracks one dispatched job while its engine runs are in
// flight: the shared cancellation signal, the terminal statuses collected so
// far, and the completion latch that picks exactly one finalizer.
type jobExecution struct {
	jobID    uuid.UUID
	runCount int
	cancel   context.CancelFunc

	mu        sync.Mutex
	statuses  []domain.RunStatus
	failures  []string
	finalized bool

	// done closes once the job's terminal status has been persisted.
	done chan struct{}
}

// recordOutcome registers one run's terminal outcome and reports whether the
// caller won the finalization latch. Exactly one caller per job sees true.
func (je *jobExecution) recordOutcome(engineName string, status domain.RunStatus, detail string) bool {
	je.mu.Lock()
	defer je.mu.Unlock()

	je.statuses = append(je.statuses, status)
	if status == domain.RunStatusFailed && detail != "" {
		je.failures = append(je.failures, fmt.Sprintf("%s: %s", engineName, detail))
	}
	if len(je.statuses) == je.runCount && !je.finalized {
		je.finalized = true
		return true
	}
	return false
}

// outcomes returns a copy of the collected terminal statuses and the joined
// failure details.
func (je *jobExecution) outcomes() ([]domain.RunStatus, string) {
	je.mu.Lock()
	defer je.mu.Unlock()
	statuses := make([]domain.RunStatus, len(je.statuses))
	copy(statuses, je.statuses)
	return statuses, strings.Join(je.failures, "; ")
}

// Orchestrator is the scheduler at the heart of the engine. It validates and
// accepts scan requests, fans each job out to one goroutine per engine run,
// isolates engine failures from one another, detects aggregate completion,
// and drives cancellation propagation.
type Orchestrator struct {
	instanceID string

	ledger    domain.JobLedger
	registry  domain.AdapterLookup
	publisher events.DomainEventPublisher
	executor  *EngineExecutor
	policies  PolicySet

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobExecution

	wg sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator assembles the orchestrator from its collaborators. The
// instanceID distinguishes this process in traces and logs.
func NewOrchestrator(
	instanceID string,
	ledger domain.JobLedger,
	registry domain.AdapterLookup,
	publisher events.DomainEventPublisher,
	executor *EngineExecutor,
	policies PolicySet,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		instanceID: instanceID,
		ledger:     ledger,
		registry:   registry,
		publisher:  publisher,
		executor:   executor,
		policies:   policies,
		jobs:       make(map[uuid.UUID]*jobExecution),
		logger:     log.With("component", "orchestrator"),
		tracer:     tracer,
	}
}

// SubmitScan validates a scan request, atomically persists the job with one
// engine run per requested engine, and dispatches one goroutine per run. It
// returns the accepted job; execution continues in the background. A request
// that fails validation creates no rows and returns a ValidationError naming
// the offending field.
func (o *Orchestrator) SubmitScan(ctx context.Context, cmd SubmitScanCommand) (*domain.Job, error) {
	logger := o.logger.With("operation", "submit_scan", "target_url", cmd.TargetURL)
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit_scan",
		trace.WithAttributes(
			attribute.String("instance_id", o.instanceID),
			attribute.String("target_url", cmd.TargetURL),
			attribute.StringSlice("engines", cmd.Engines),
		),
	)
	defer span.End()
	logger.Debug(ctx, "submitting scan")

	engines, err := o.validateRequest(cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	span.AddEvent("request_validated")

	job := domain.NewJob(uuid.New(), cmd.OwnerID, cmd.TargetURL, engines)
	runs := make([]*domain.EngineRun, 0, len(engines))
	for _, engine := range engines {
		runs = append(runs, domain.NewEngineRun(uuid.New(), job.JobID(), engine))
	}

	if err := writeLedger(ctx, logger, "create_job", func() error {
		return o.ledger.CreateJob(ctx, job, runs)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	span.AddEvent("job_created", trace.WithAttributes(
		attribute.String("job_id", job.JobID().String()),
	))
	logger = logger.With("job_id", job.JobID())

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewJobRequestedEvent(job.JobID(), job.TargetURL(), engines),
		events.WithKey(job.JobID().String()),
	); err != nil {
		logger.Error(ctx, "failed to publish job requested event", "error", err)
	}

	if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to transition job to running: %w", err)
	}
	if err := writeLedger(ctx, logger, "update_job_status", func() error {
		return o.ledger.UpdateJobStatus(ctx, job)
	}); err != nil {
		logger.Error(ctx, "running status not persisted; dispatching anyway", "error", err)
	}

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewJobStartedEvent(job.JobID(), job.TargetURL(), engines),
		events.WithKey(job.JobID().String()),
	); err != nil {
		logger.Error(ctx, "failed to publish job started event", "error", err)
	}

	o.dispatch(ctx, job, runs, cmd.Options)
	span.AddEvent("engine_runs_dispatched", trace.WithAttributes(
		attribute.Int("run_count", len(runs)),
	))
	span.SetStatus(codes.Ok, "scan accepted")
	logger.Info(ctx, "scan accepted", "engines", engines)

	return job, nil
}

// validateRequest checks the submission's target URL and engine list and
// returns the deduplicated engine names in request order.
func (o *Orchestrator) validateRequest(cmd SubmitScanCommand) ([]string, error) {
	target, err := url.Parse(cmd.TargetURL)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, domain.NewValidationError("target_url", "must be an absolute http or https URL")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, domain.NewValidationError("target_url",
			fmt.Sprintf("unsupported scheme %q, must be http or https", target.Scheme))
	}

	if len(cmd.Engines) == 0 {
		return nil, domain.NewValidationError("engines", "at least one engine is required")
	}

	seen := make(map[string]struct{}, len(cmd.Engines))
	engines := make([]string, 0, len(cmd.Engines))
	for _, name := range cmd.Engines {
		if _, ok := o.registry.Get(name); !ok {
			return nil, domain.NewValidationError("engines",
				fmt.Sprintf("unknown engine %q, registered engines: %s", name, strings.Join(o.registry.Names(), ", ")))
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		engines = append(engines, name)
	}

	return engines, nil
}

// dispatch launches one goroutine per engine run. Runs share a cancellation
// signal but are otherwise fully independent: a failure or timeout in one
// never cancels or blocks its siblings.
func (o *Orchestrator) dispatch(ctx context.Context, job *domain.Job, runs []*domain.EngineRun, overrides map[string]map[string]any) {
	// Run goroutines outlive the submission request; they inherit its trace
	// linkage but not its cancellation.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	exec := &jobExecution{
		jobID:    job.JobID(),
		runCount: len(runs),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.jobs[job.JobID()] = exec
	o.mu.Unlock()

	for _, run := range runs {
		adapter, ok := o.registry.Get(run.EngineName())
		if !ok {
			// Validation checked this; a vanished adapter means the registry
			// mutated underneath us. Fail the run, not the job.
			o.wg.Add(1)
			go func(run *domain.EngineRun) {
				defer o.wg.Done()
				detail := fmt.Sprintf("engine %s is no longer registered", run.EngineName())
				_ = run.Complete(domain.RunStatusFailed, detail)
				if err := writeLedger(runCtx, o.logger, "complete_engine_run", func() error {
					return o.ledger.CompleteEngineRun(runCtx, run)
				}); err != nil {
					o.logger.Error(runCtx, "terminal run state not persisted", "run_id", run.RunID(), "error", err)
				}
				o.runFinished(runCtx, exec, run.EngineName(), domain.RunStatusFailed, detail)
			}(run)
			continue
		}

		policy := o.policies.For(run.EngineName())
		spec := domain.RunSpec{
			JobID:   job.JobID(),
			RunID:   run.RunID(),
			Target:  job.TargetURL(),
			Options: mergeOptions(policy.Options, overrides[run.EngineName()]),
		}

		o.wg.Add(1)
		go func(run *domain.EngineRun, adapter domain.EngineAdapter, spec domain.RunSpec, policy EnginePolicy) {
			defer o.wg.Done()
			status, detail := o.executor.ExecuteRun(runCtx, adapter, run, spec, policy)
			o.runFinished(runCtx, exec, run.EngineName(), status, detail)
		}(run, adapter, spec, policy)
	}
}

// runFinished records a run's terminal outcome against the job's latch. The
// single caller that completes the set finalizes the job.
func (o *Orchestrator) runFinished(ctx context.Context, exec *jobExecution, engineName string, status domain.RunStatus, detail string) {
	if !exec.recordOutcome(engineName, status, detail) {
		return
	}
	o.finalizeJob(ctx, exec)
}

// finalizeJob computes and persists the job's terminal status exactly once,
// after every engine run has landed terminal. A job in the cancelling state
// always finalizes as cancelled, even if its runs outran the cancel signal.
func (o *Orchestrator) finalizeJob(ctx context.Context, exec *jobExecution) {
	logger := o.logger.With("operation", "finalize_job", "job_id", exec.jobID)

	// Finalization must land even when the job's run context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "orchestrator.finalize_job",
		trace.WithAttributes(
			attribute.String("instance_id", o.instanceID),
			attribute.String("job_id", exec.jobID.String()),
		),
	)
	defer span.End()

	defer func() {
		o.mu.Lock()
		delete(o.jobs, exec.jobID)
		o.mu.Unlock()
		exec.cancel()
		close(exec.done)
	}()

	statuses, failureSummary := exec.outcomes()
	finalStatus := domain.FinalStatusFor(statuses)

	job, err := o.ledger.GetJob(ctx, exec.jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job for finalization")
		logger.Error(ctx, "job finalization lost: cannot load job",
			"alert", "job_finalization_lost", "error", err)
		return
	}

	// The persisted status can lag the in-memory lifecycle when an earlier
	// write was lost; replay the missing transition so the terminal one is
	// legal.
	if job.Status() == domain.JobStatusPending {
		if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
			logger.Warn(ctx, "could not replay running transition", "error", err)
		}
	}

	if job.Status() == domain.JobStatusCancelling {
		// Cancellation intent always wins, even when every run outran the
		// cancel signal and landed on its own terms.
		finalStatus = domain.JobStatusCancelled
	} else if finalStatus == domain.JobStatusCancelled && job.Status() == domain.JobStatusRunning {
		// Runs were cancelled without a recorded cancel intent, e.g. process
		// shutdown. Record the intent so the terminal transition is legal.
		if err := job.UpdateStatus(domain.JobStatusCancelling); err != nil {
			logger.Warn(ctx, "could not replay cancelling transition", "error", err)
		}
	}

	summary := failureSummary
	if finalStatus == domain.JobStatusCancelled && summary == "" {
		summary = "scan cancelled by user"
	}

	span.SetAttributes(attribute.String("final_status", string(finalStatus)))

	if err := job.Complete(finalStatus, summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal transition rejected")
		logger.Error(ctx, "job finalization rejected by aggregate", "final_status", finalStatus, "error", err)
		return
	}

	if err := writeLedger(ctx, logger, "update_job_status", func() error {
		return o.ledger.UpdateJobStatus(ctx, job)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal status not persisted")
		logger.Error(ctx, "job terminal status not persisted",
			"alert", "job_finalization_lost",
			"final_status", finalStatus,
			"error", err,
		)
		return
	}
	span.AddEvent("job_finalized")

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewJobCompletedEvent(exec.jobID, finalStatus, summary),
		events.WithKey(exec.jobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish job completed event", "error", err)
	}

	span.SetStatus(codes.Ok, "job finalized")
	logger.Info(ctx, "job finalized", "final_status", finalStatus, "runs", len(statuses))
}

// CancelScan requests cancellation of a running job. The job transitions to
// the cancelling intent immediately; every non-terminal run is cancelled
// cooperatively and force-terminated past the grace window. The terminal
// cancelled status lands only once all runs acknowledge, via the same
// completion latch as normal finalization. Cancelling an unknown job returns
// ErrJobNotFound, a terminal one ErrJobAlreadyTerminal.
func (o *Orchestrator) CancelScan(ctx context.Context, jobID uuid.UUID) error {
	logger := o.logger.With("operation", "cancel_scan", "job_id", jobID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel_scan",
		trace.WithAttributes(
			attribute.String("instance_id", o.instanceID),
			attribute.String("job_id", jobID.String()),
		),
	)
	defer span.End()
	logger.Debug(ctx, "cancelling scan")

	job, err := o.ledger.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job")
		return err
	}
	if job.Status().IsTerminal() {
		span.AddEvent("job_already_terminal")
		return domain.ErrJobAlreadyTerminal
	}
	if job.Status() == domain.JobStatusCancelling {
		// Already winding down; nothing more to signal.
		span.AddEvent("cancellation_already_in_progress")
		return nil
	}

	if err := job.UpdateStatus(domain.JobStatusCancelling); err != nil {
		// Lost the race against the finalizer.
		span.AddEvent("job_finalized_concurrently")
		return domain.ErrJobAlreadyTerminal
	}
	if err := writeLedger(ctx, logger, "update_job_status", func() error {
		return o.ledger.UpdateJobStatus(ctx, job)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelling status not persisted")
		return fmt.Errorf("failed to mark job cancelling: %w", err)
	}
	span.AddEvent("job_marked_cancelling")

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewJobCancellingEvent(jobID),
		events.WithKey(jobID.String()),
	); err != nil {
		logger.Error(ctx, "failed to publish job cancelling event", "error", err)
	}

	o.mu.Lock()
	exec, active := o.jobs[jobID]
	o.mu.Unlock()

	if !active {
		// No live runs in this process, e.g. after a restart. Land the runs
		// and the job terminal directly from the ledger.
		return o.cancelDetachedJob(ctx, job)
	}

	// Cutting the shared run context triggers each executor's cooperative
	// cancel and, past the grace window, the forced kill.
	exec.cancel()
	span.AddEvent("cancellation_signalled")
	span.SetStatus(codes.Ok, "cancellation initiated")
	logger.Info(ctx, "cancellation initiated")

	return nil
}

// cancelDetachedJob finalizes a job whose runs are not executing in this
// process. Non-terminal runs are marked cancelled in the ledger and the job
// lands terminal immediately.
func (o *Orchestrator) cancelDetachedJob(ctx context.Context, job *domain.Job) error {
	logger := o.logger.With("operation", "cancel_detached_job", "job_id", job.JobID())
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel_detached_job",
		trace.WithAttributes(attribute.String("job_id", job.JobID().String())),
	)
	defer span.End()

	runs, err := o.ledger.ListEngineRuns(ctx, job.JobID())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to list runs for detached cancellation: %w", err)
	}

	for _, run := range runs {
		if run.Status().IsTerminal() {
			continue
		}
		if err := run.Complete(domain.RunStatusCancelled, "cancelled on request"); err != nil {
			logger.Warn(ctx, "run not cancellable", "run_id", run.RunID(), "error", err)
			continue
		}
		if err := writeLedger(ctx, logger, "complete_engine_run", func() error {
			return o.ledger.CompleteEngineRun(ctx, run)
		}); err != nil {
			logger.Error(ctx, "cancelled run state not persisted", "run_id", run.RunID(), "error", err)
		}
	}

	if err := job.Complete(domain.JobStatusCancelled, "scan cancelled by user"); err != nil {
		return fmt.Errorf("failed to finalize detached job: %w", err)
	}
	if err := writeLedger(ctx, logger, "update_job_status", func() error {
		return o.ledger.UpdateJobStatus(ctx, job)
	}); err != nil {
		return err
	}

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewJobCompletedEvent(job.JobID(), domain.JobStatusCancelled, "scan cancelled by user"),
		events.WithKey(job.JobID().String()),
	); err != nil {
		logger.Error(ctx, "failed to publish job completed event", "error", err)
	}
	span.SetStatus(codes.Ok, "detached job cancelled")

	return nil
}

// GetJobDetail assembles the full read-side view of a job: the job row, its
// runs, and its finding severity tallies.
func (o *Orchestrator) GetJobDetail(ctx context.Context, jobID uuid.UUID) (*domain.JobDetail, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get_job_detail",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	job, err := o.ledger.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	runs, err := o.ledger.ListEngineRuns(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list engine runs: %w", err)
	}
	counts, err := o.ledger.FindingSeverityCounts(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to tally findings: %w", err)
	}

	return domain.NewJobDetail(job, runs, counts), nil
}

// ActiveJobs reports how many jobs currently have runs in flight.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

// Stop cancels every in-flight job and blocks until their runs have landed
// terminal or ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	logger := o.logger.With("operation", "stop")
	_, span := o.tracer.Start(ctx, "orchestrator.stop",
		trace.WithAttributes(attribute.String("instance_id", o.instanceID)),
	)
	defer span.End()
	logger.Info(ctx, "stopping orchestrator", "active_jobs", o.ActiveJobs())

	o.mu.Lock()
	for _, exec := range o.jobs {
		exec.cancel()
	}
	o.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		span.AddEvent("all_runs_terminal")
		logger.Info(ctx, "orchestrator stopped")
		return nil
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "shutdown deadline exceeded")
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}
