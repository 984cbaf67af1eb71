package scanning

import (
	"context"
	"fmt"
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

// Aggregation defaults.
const (
	// DefaultSnapshotDebounce caps snapshot emission at one per job per
	// interval, so a chatty engine cannot cause ledger write storms.
	DefaultSnapshotDebounce = 500 * time.Millisecond

	// DefaultBacklogCapacity is the per-job ring size for reconnect replay.
	DefaultBacklogCapacity = 256

	// DefaultTerminalRetention is how long a terminal job's stream state is
	// kept for late reconnects before it is purged.
	DefaultTerminalRetention = 60 * time.Second
)

// engineProgressState is the aggregator's view of one engine run.
type engineProgressState struct {
	runID    uuid.UUID
	status   domain.RunStatus
	fraction float64
	message  string
}

// jobProgressState folds one job's engine streams into the subscriber-facing
// view: weighted overall progress, per-engine slices, the sequence counter,
// and the reconnect backlog. All mutation happens under mu, which is also
// held across event publication so sequence numbers reach the bus in order.
type jobProgressState struct {
	mu sync.Mutex

	jobID   uuid.UUID
	status  domain.JobStatus
	order   []string
	engines map[string]*engineProgressState
	weights map[string]float64

	overall float64
	message string

	dirty     bool
	lastFlush time.Time

	seq          uint64
	backlog      *streamBacklog
	lastSnapshot domain.JobStreamEvent
	hasSnapshot  bool

	terminalAt time.Time
}

// computeOverallLocked returns the weighted mean of the engines' fractional
// progress as a percentage. A failed or cancelled engine's last reported
// fraction stays frozen in the mean rather than being excluded, so displayed
// progress never regresses on partial failure.
func (st *jobProgressState) computeOverallLocked() float64 {
	var sum, weightSum float64
	for name, es := range st.engines {
		w := st.weights[name]
		if w <= 0 {
			w = DefaultEngineWeight
		}
		sum += es.fraction * w
		weightSum += w
	}
	if weightSum == 0 {
		return st.overall
	}
	pct := sum / weightSum * 100
	if pct < st.overall {
		return st.overall
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// buildSnapshotLocked assembles the job-level snapshot in engine dispatch
// order.
func (st *jobProgressState) buildSnapshotLocked(now time.Time) domain.JobProgressSnapshot {
	engines := make([]domain.EngineProgress, 0, len(st.order))
	for _, name := range st.order {
		es := st.engines[name]
		engines = append(engines, domain.EngineProgress{
			EngineName: name,
			Status:     es.status,
			Fraction:   es.fraction,
			Message:    es.message,
		})
	}
	return domain.JobProgressSnapshot{
		JobID:           st.jobID,
		Status:          st.status,
		OverallProgress: st.overall,
		Engines:         engines,
		Message:         st.message,
		Timestamp:       now,
	}
}

// AggregatorOption configures a ProgressAggregator.
type AggregatorOption func(*ProgressAggregator)

// WithSnapshotDebounce overrides the per-job snapshot emission interval.
func WithSnapshotDebounce(interval time.Duration) AggregatorOption {
	return func(a *ProgressAggregator) {
		if interval > 0 {
			a.debounce = interval
		}
	}
}

// WithBacklogCapacity overrides the per-job reconnect backlog size.
func WithBacklogCapacity(capacity int) AggregatorOption {
	return func(a *ProgressAggregator) {
		if capacity > 0 {
			a.backlogCap = capacity
		}
	}
}

// WithTerminalRetention overrides how long terminal job state is retained.
func WithTerminalRetention(retention time.Duration) AggregatorOption {
	return func(a *ProgressAggregator) {
		if retention > 0 {
			a.retention = retention
		}
	}
}

// ProgressAggregator turns N independent per-engine progress streams into one
// coherent, sequenced job-level stream. It recomputes the weighted overall
// percentage on every incoming event, debounces ledger snapshots, always
// emits an un-debounced final snapshot plus a completion summary at terminal,
// and retains a bounded per-job backlog for reconnect replay.
type ProgressAggregator struct {
	instanceID string

	ledger    domain.JobLedger
	publisher events.DomainEventPublisher
	policies  PolicySet

	debounce   time.Duration
	backlogCap int
	retention  time.Duration

	mu   sync.RWMutex
	jobs map[uuid.UUID]*jobProgressState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProgressAggregator assembles an aggregator around the ledger and
// publisher.
func NewProgressAggregator(
	instanceID string,
	ledger domain.JobLedger,
	publisher events.DomainEventPublisher,
	policies PolicySet,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...AggregatorOption,
) *ProgressAggregator {
	a := &ProgressAggregator{
		instanceID: instanceID,
		ledger:     ledger,
		publisher:  publisher,
		policies:   policies,
		debounce:   DefaultSnapshotDebounce,
		backlogCap: DefaultBacklogCapacity,
		retention:  DefaultTerminalRetention,
		jobs:       make(map[uuid.UUID]*jobProgressState),
		stopCh:     make(chan struct{}),
		logger:     log.With("component", "progress_aggregator"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers the aggregator's handler for every event type it folds
// into the job-level stream.
func (a *ProgressAggregator) Subscribe(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, []events.EventType{
		domain.EventTypeJobRequested,
		domain.EventTypeJobStarted,
		domain.EventTypeJobCancelling,
		domain.EventTypeJobCompleted,
		domain.EventTypeRunStarted,
		domain.EventTypeRunProgressed,
		domain.EventTypeRunCompleted,
		domain.EventTypeFindingReported,
	}, a.HandleStreamSource)
}

// HandleStreamSource folds one run- or job-level domain event into the job's
// aggregated stream.
func (a *ProgressAggregator) HandleStreamSource(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := a.tracer.Start(ctx, "progress_aggregator.handle_stream_source",
		trace.WithAttributes(
			attribute.String("instance_id", a.instanceID),
			attribute.String("event_type", string(evt.Type)),
		),
	)
	defer span.End()

	var err error
	switch payload := evt.Payload.(type) {
	case domain.JobRequestedEvent:
		err = a.onJobRequested(ctx, payload)
	case domain.JobStartedEvent:
		err = a.onJobStarted(ctx, payload)
	case domain.JobCancellingEvent:
		err = a.onJobCancelling(ctx, payload)
	case domain.JobCompletedEvent:
		err = a.onJobCompleted(ctx, payload)
	case domain.RunStartedEvent:
		err = a.onRunStarted(ctx, payload)
	case domain.RunProgressedEvent:
		err = a.onRunProgressed(ctx, payload)
	case domain.RunCompletedEvent:
		err = a.onRunCompleted(ctx, payload)
	case domain.FindingReportedEvent:
		err = a.onFindingReported(ctx, payload)
	default:
		err = fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream event not aggregated")
	}
	ack(err)
	return err
}

// onJobRequested seeds the job's stream state at acceptance time so
// subscribers connecting before dispatch see the pending engine set instead
// of a ledger fallback.
func (a *ProgressAggregator) onJobRequested(ctx context.Context, evt domain.JobRequestedEvent) error {
	st := a.seedJobState(evt.JobID, evt.Engines)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = domain.JobStatusPending
	st.message = "scan accepted"
	a.emitSnapshotLocked(ctx, st, true)

	a.logger.Debug(ctx, "tracking job stream", "job_id", evt.JobID, "engines", evt.Engines)
	return nil
}

// onJobStarted marks the job's stream running and emits a snapshot. The state
// usually exists already from acceptance; reusing it keeps the stream's
// sequence numbering and backlog intact.
func (a *ProgressAggregator) onJobStarted(ctx context.Context, evt domain.JobStartedEvent) error {
	st := a.seedJobState(evt.JobID, evt.Engines)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = domain.JobStatusRunning
	st.message = "scan dispatched"
	a.emitSnapshotLocked(ctx, st, true)

	return nil
}

// seedJobState returns the job's stream state, creating it when this is the
// first event observed for the job.
func (a *ProgressAggregator) seedJobState(jobID uuid.UUID, engines []string) *jobProgressState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.jobs[jobID]; ok {
		return st
	}
	st := a.newJobState(jobID, engines)
	a.jobs[jobID] = st
	return st
}

func (a *ProgressAggregator) newJobState(jobID uuid.UUID, engines []string) *jobProgressState {
	st := &jobProgressState{
		jobID:   jobID,
		status:  domain.JobStatusRunning,
		order:   append([]string(nil), engines...),
		engines: make(map[string]*engineProgressState, len(engines)),
		weights: make(map[string]float64, len(engines)),
		backlog: newStreamBacklog(a.backlogCap),
	}
	for _, name := range engines {
		st.engines[name] = &engineProgressState{status: domain.RunStatusPending}
		st.weights[name] = a.policies.Weight(name)
	}
	return st
}

// stateFor returns the stream state for a job, lazily rebuilding it from the
// ledger when the job started before this aggregator was listening.
func (a *ProgressAggregator) stateFor(ctx context.Context, jobID uuid.UUID) (*jobProgressState, error) {
	a.mu.RLock()
	st, ok := a.jobs[jobID]
	a.mu.RUnlock()
	if ok {
		return st, nil
	}

	job, err := a.ledger.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild stream state: %w", err)
	}
	runs, err := a.ledger.ListEngineRuns(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild stream state: %w", err)
	}

	st = a.newJobState(jobID, job.Engines())
	st.status = job.Status()
	st.overall = job.OverallProgress()
	for _, run := range runs {
		if es, ok := st.engines[run.EngineName()]; ok {
			es.runID = run.RunID()
			es.status = run.Status()
			es.fraction = run.Fraction()
			es.message = run.Message()
		}
	}

	a.mu.Lock()
	// Another handler may have rebuilt it concurrently; keep the first.
	if existing, ok := a.jobs[jobID]; ok {
		st = existing
	} else {
		a.jobs[jobID] = st
	}
	a.mu.Unlock()

	a.logger.Debug(ctx, "stream state rebuilt from ledger", "job_id", jobID)
	return st, nil
}

func (a *ProgressAggregator) onRunStarted(ctx context.Context, evt domain.RunStartedEvent) error {
	st, err := a.stateFor(ctx, evt.JobID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	es, ok := st.engines[evt.EngineName]
	if !ok {
		return nil
	}
	es.runID = evt.RunID
	if !es.status.IsTerminal() {
		es.status = domain.RunStatusRunning
	}
	st.message = fmt.Sprintf("starting %s scan", evt.EngineName)
	a.emitSnapshotLocked(ctx, st, false)
	return nil
}

func (a *ProgressAggregator) onRunProgressed(ctx context.Context, evt domain.RunProgressedEvent) error {
	p := evt.Progress
	st, err := a.stateFor(ctx, p.JobID())
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	es, ok := st.engines[p.EngineName()]
	if !ok || es.status.IsTerminal() {
		return nil
	}
	if es.status == domain.RunStatusPending {
		es.status = domain.RunStatusRunning
	}
	if p.Fraction() > es.fraction {
		es.fraction = p.Fraction()
	}
	if p.Message() != "" {
		es.message = p.Message()
		st.message = fmt.Sprintf("%s: %s", p.EngineName(), p.Message())
	}
	st.overall = st.computeOverallLocked()
	a.emitSnapshotLocked(ctx, st, false)
	return nil
}

func (a *ProgressAggregator) onRunCompleted(ctx context.Context, evt domain.RunCompletedEvent) error {
	st, err := a.stateFor(ctx, evt.JobID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	es, ok := st.engines[evt.EngineName]
	if !ok || es.status.IsTerminal() {
		return nil
	}
	es.status = evt.Status
	switch evt.Status {
	case domain.RunStatusSucceeded:
		es.fraction = 1
		st.message = fmt.Sprintf("%s scan completed", evt.EngineName)
	case domain.RunStatusFailed:
		// Contribution freezes at the last reported fraction.
		st.message = fmt.Sprintf("%s scan failed: %s", evt.EngineName, evt.ErrorDetail)
	case domain.RunStatusCancelled:
		st.message = fmt.Sprintf("%s scan cancelled", evt.EngineName)
	}
	st.overall = st.computeOverallLocked()
	a.emitSnapshotLocked(ctx, st, false)
	return nil
}

// onFindingReported forwards a finding into the stream immediately, tagged
// with its engine. Findings are never debounced.
func (a *ProgressAggregator) onFindingReported(ctx context.Context, evt domain.FindingReportedEvent) error {
	if evt.Finding == nil {
		return nil
	}
	st, err := a.stateFor(ctx, evt.JobID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	streamEvt := domain.JobStreamEvent{
		JobID:      st.jobID,
		Seq:        st.seq,
		Kind:       domain.StreamKindFinding,
		OccurredAt: time.Now().UTC(),
		Finding:    evt.Finding,
	}
	st.backlog.Append(streamEvt)
	a.publishStreamEvent(ctx, streamEvt)
	return nil
}

func (a *ProgressAggregator) onJobCancelling(ctx context.Context, evt domain.JobCancellingEvent) error {
	st, err := a.stateFor(ctx, evt.JobID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = domain.JobStatusCancelling
	st.message = "cancellation requested"
	a.emitSnapshotLocked(ctx, st, true)
	return nil
}

// onJobCompleted emits the final un-debounced snapshot followed by the
// completion summary, then starts the retention clock on the job's state.
func (a *ProgressAggregator) onJobCompleted(ctx context.Context, evt domain.JobCompletedEvent) error {
	st, err := a.stateFor(ctx, evt.JobID)
	if err != nil {
		return err
	}

	summary := a.buildCompletionSummary(ctx, evt)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.status = evt.Status
	if evt.Status == domain.JobStatusCompleted || evt.Status == domain.JobStatusCompletedPartial {
		st.overall = 100
	}
	switch evt.Status {
	case domain.JobStatusCompleted:
		st.message = "scan completed successfully"
	case domain.JobStatusCompletedPartial:
		st.message = "scan completed with partial failures"
	case domain.JobStatusFailed:
		st.message = "scan failed"
	case domain.JobStatusCancelled:
		st.message = "scan cancelled"
	}
	a.emitSnapshotLocked(ctx, st, true)

	st.seq++
	streamEvt := domain.JobStreamEvent{
		JobID:      st.jobID,
		Seq:        st.seq,
		Kind:       domain.StreamKindCompletion,
		OccurredAt: time.Now().UTC(),
		Completion: summary,
	}
	st.backlog.Append(streamEvt)
	a.publishStreamEvent(ctx, streamEvt)

	st.terminalAt = time.Now()
	a.logger.Info(ctx, "job stream completed",
		"job_id", evt.JobID,
		"status", evt.Status,
		"total_findings", summary.TotalFindings,
		"risk_score", summary.RiskScore,
	)
	return nil
}

// buildCompletionSummary assembles the terminal payload from the ledger. A
// ledger failure here degrades the summary rather than blocking the terminal
// event: subscribers always get a definitive completion.
func (a *ProgressAggregator) buildCompletionSummary(ctx context.Context, evt domain.JobCompletedEvent) *domain.JobCompletionSummary {
	summary := &domain.JobCompletionSummary{
		JobID:        evt.JobID,
		Status:       evt.Status,
		ErrorSummary: evt.ErrorSummary,
	}

	counts, err := a.ledger.FindingSeverityCounts(ctx, evt.JobID)
	if err != nil {
		a.logger.Error(ctx, "failed to tally findings for completion summary", "job_id", evt.JobID, "error", err)
	} else {
		summary.SeverityCounts = counts
		summary.TotalFindings = counts.Total()
		summary.RiskScore = counts.RiskScore()
	}

	job, err := a.ledger.GetJob(ctx, evt.JobID)
	if err != nil {
		a.logger.Error(ctx, "failed to load job for completion summary", "job_id", evt.JobID, "error", err)
	} else {
		summary.Duration = job.Duration()
	}

	return summary
}

// emitSnapshotLocked publishes the current job-level snapshot and lands the
// debounced ledger write. Force bypasses the debounce for status changes and
// terminal snapshots. Callers hold st.mu.
func (a *ProgressAggregator) emitSnapshotLocked(ctx context.Context, st *jobProgressState, force bool) {
	now := time.Now().UTC()
	if !force && now.Sub(st.lastFlush) < a.debounce {
		st.dirty = true
		return
	}

	snapshot := st.buildSnapshotLocked(now)
	st.seq++
	streamEvt := domain.JobStreamEvent{
		JobID:      st.jobID,
		Seq:        st.seq,
		Kind:       domain.StreamKindProgress,
		OccurredAt: now,
		Snapshot:   &snapshot,
	}
	st.backlog.Append(streamEvt)
	st.lastSnapshot = streamEvt
	st.hasSnapshot = true
	st.dirty = false
	st.lastFlush = now

	// Terminal snapshots get the full retry budget; intermediate ones are
	// refreshed within a debounce interval anyway, so they only get a short
	// write window.
	writeCtx := ctx
	if !st.status.IsTerminal() {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := writeLedger(writeCtx, a.logger, "snapshot_job_progress", func() error {
		return a.ledger.SnapshotJobProgress(writeCtx, snapshot)
	}); err != nil {
		a.logger.Warn(ctx, "job progress snapshot not persisted", "job_id", st.jobID, "error", err)
	}

	a.publishStreamEvent(ctx, streamEvt)
}

func (a *ProgressAggregator) publishStreamEvent(ctx context.Context, evt domain.JobStreamEvent) {
	if err := a.publisher.PublishDomainEvent(ctx,
		domain.NewJobStreamEmittedEvent(evt),
		events.WithKey(evt.JobID.String()),
	); err != nil {
		a.logger.Error(ctx, "failed to publish stream event",
			"job_id", evt.JobID,
			"seq", evt.Seq,
			"kind", evt.Kind,
			"error", err,
		)
	}
}

// Replay returns the retained events with sequence numbers greater than
// afterSeq, in order. The second return is false when the job is unknown or
// the requested window has expired, meaning the subscriber needs a full
// resync.
func (a *ProgressAggregator) Replay(jobID uuid.UUID, afterSeq uint64) ([]domain.JobStreamEvent, bool) {
	a.mu.RLock()
	st, ok := a.jobs[jobID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return st.backlog.ReplayAfter(afterSeq)
}

// LatestSnapshot returns the most recent progress snapshot event for a job,
// used to bring a fresh subscriber up to date before live events flow.
func (a *ProgressAggregator) LatestSnapshot(jobID uuid.UUID) (domain.JobStreamEvent, bool) {
	a.mu.RLock()
	st, ok := a.jobs[jobID]
	a.mu.RUnlock()
	if !ok {
		return domain.JobStreamEvent{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSnapshot, st.hasSnapshot
}

// Start launches the background flusher that lands debounced snapshots and
// purges terminal job state past the retention window.
func (a *ProgressAggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.debounce)
		defer ticker.Stop()

		a.logger.Info(ctx, "snapshot flusher started", "interval", a.debounce)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.flushDirty(ctx)
				a.purgeExpired()
			}
		}
	}()
}

// flushDirty emits a snapshot for every job that accumulated changes within
// the debounce window.
func (a *ProgressAggregator) flushDirty(ctx context.Context) {
	a.mu.RLock()
	states := make([]*jobProgressState, 0, len(a.jobs))
	for _, st := range a.jobs {
		states = append(states, st)
	}
	a.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.dirty && time.Since(st.lastFlush) >= a.debounce {
			st.overall = st.computeOverallLocked()
			a.emitSnapshotLocked(ctx, st, true)
		}
		st.mu.Unlock()
	}
}

// purgeExpired drops stream state for jobs that have been terminal longer
// than the retention window. Reconnects after that point get a full resync.
func (a *ProgressAggregator) purgeExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for jobID, st := range a.jobs {
		st.mu.Lock()
		expired := !st.terminalAt.IsZero() && time.Since(st.terminalAt) > a.retention
		st.mu.Unlock()
		if expired {
			delete(a.jobs, jobID)
		}
	}
}

// Stop halts the flusher and waits for it to exit.
func (a *ProgressAggregator) Stop(ctx context.Context) {
	logger := a.logger.With("operation", "stop")
	_, span := a.tracer.Start(ctx, "progress_aggregator.stop",
		trace.WithAttributes(attribute.String("instance_id", a.instanceID)),
	)
	defer span.End()

	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()

	span.AddEvent("progress_aggregator_stopped")
	logger.Info(ctx, "progress aggregator stopped")
}
