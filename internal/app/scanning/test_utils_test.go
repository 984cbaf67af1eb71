package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvidsec/raven/internal/domain/events"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
)

// capturingPublisher records every published domain event for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturingPublisher) PublishDomainEvent(_ context.Context, event events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// eventTypes returns the types of every captured event in publish order.
func (p *capturingPublisher) eventTypes() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, evt := range p.events {
		out[i] = evt.EventType()
	}
	return out
}

func (p *capturingPublisher) ofType(et events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, evt := range p.events {
		if evt.EventType() == et {
			out = append(out, evt)
		}
	}
	return out
}

// streamEvents unwraps the published JobStreamEmittedEvent payloads in
// publish order.
func (p *capturingPublisher) streamEvents() []domain.JobStreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.JobStreamEvent
	for _, evt := range p.events {
		if emitted, ok := evt.(domain.JobStreamEmittedEvent); ok {
			out = append(out, emitted.Event)
		}
	}
	return out
}

func copyJob(job *domain.Job) *domain.Job {
	var completedAt time.Time
	if end, ok := job.EndTime(); ok {
		completedAt = end
	}
	return domain.ReconstructJob(
		job.JobID(), job.OwnerID(), job.TargetURL(), job.Engines(),
		job.Status(), job.OverallProgress(), job.ErrorSummary(),
		domain.ReconstructTimeline(job.CreatedAt(), job.StartTime(), completedAt),
	)
}

func copyRun(run *domain.EngineRun) *domain.EngineRun {
	return domain.ReconstructEngineRun(
		run.RunID(), run.JobID(), run.EngineName(),
		run.Status(), run.Fraction(), run.Message(), run.ErrorDetail(),
		run.LastSequenceNum(),
		domain.ReconstructTimeline(run.GetTimeline().CreatedAt(), run.StartTime(), run.EndTime()),
	)
}

// memoryLedger is a thread-safe in-memory JobLedger with fault injection. It
// mirrors the persistence semantics the orchestration path depends on:
// idempotent run completion, sequence-guarded progress, monotonic job
// snapshots, and findings keyed on (run, natural key).
type memoryLedger struct {
	mu sync.Mutex

	jobs         map[uuid.UUID]*domain.Job
	runs         map[uuid.UUID]*domain.EngineRun
	jobRuns      map[uuid.UUID][]uuid.UUID
	findings     map[uuid.UUID]map[string]*domain.Finding
	findingOrder map[uuid.UUID][]string

	// failures maps an operation to how many calls should fail before it
	// recovers; a negative count fails forever.
	failures map[string]int

	snapshotWrites    int
	terminalJobWrites int
	upsertCalls       int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		jobs:         make(map[uuid.UUID]*domain.Job),
		runs:         make(map[uuid.UUID]*domain.EngineRun),
		jobRuns:      make(map[uuid.UUID][]uuid.UUID),
		findings:     make(map[uuid.UUID]map[string]*domain.Finding),
		findingOrder: make(map[uuid.UUID][]string),
		failures:     make(map[string]int),
	}
}

// failOp makes the named operation fail the next n calls; n < 0 means every
// call.
func (l *memoryLedger) failOp(op string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = n
}

func (l *memoryLedger) failErrLocked(op string) error {
	remaining, ok := l.failures[op]
	if !ok || remaining == 0 {
		return nil
	}
	if remaining > 0 {
		l.failures[op] = remaining - 1
	}
	return fmt.Errorf("injected %s failure", op)
}

func (l *memoryLedger) CreateJob(_ context.Context, job *domain.Job, runs []*domain.EngineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("create_job"); err != nil {
		return err
	}
	l.jobs[job.JobID()] = copyJob(job)
	for _, run := range runs {
		l.runs[run.RunID()] = copyRun(run)
		l.jobRuns[job.JobID()] = append(l.jobRuns[job.JobID()], run.RunID())
	}
	return nil
}

func (l *memoryLedger) GetJob(_ context.Context, jobID uuid.UUID) (*domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("get_job"); err != nil {
		return nil, err
	}
	job, ok := l.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (l *memoryLedger) UpdateJobStatus(_ context.Context, job *domain.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("update_job_status"); err != nil {
		return err
	}
	if _, ok := l.jobs[job.JobID()]; !ok {
		return domain.ErrJobNotFound
	}
	l.jobs[job.JobID()] = copyJob(job)
	if job.Status().IsTerminal() {
		l.terminalJobWrites++
	}
	return nil
}

func (l *memoryLedger) SnapshotJobProgress(_ context.Context, snapshot domain.JobProgressSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("snapshot_job_progress"); err != nil {
		return err
	}
	job, ok := l.jobs[snapshot.JobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.ApplyOverallProgress(snapshot.OverallProgress)
	l.snapshotWrites++
	return nil
}

func (l *memoryLedger) CreateEngineRun(_ context.Context, run *domain.EngineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("create_engine_run"); err != nil {
		return err
	}
	for _, existingID := range l.jobRuns[run.JobID()] {
		if l.runs[existingID].EngineName() == run.EngineName() {
			return nil
		}
	}
	l.runs[run.RunID()] = copyRun(run)
	l.jobRuns[run.JobID()] = append(l.jobRuns[run.JobID()], run.RunID())
	return nil
}

func (l *memoryLedger) StartEngineRun(_ context.Context, run *domain.EngineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("start_engine_run"); err != nil {
		return err
	}
	if _, ok := l.runs[run.RunID()]; !ok {
		return domain.ErrRunNotFound
	}
	l.runs[run.RunID()] = copyRun(run)
	return nil
}

func (l *memoryLedger) UpdateRunProgress(_ context.Context, run *domain.EngineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("update_run_progress"); err != nil {
		return err
	}
	stored, ok := l.runs[run.RunID()]
	if !ok {
		return domain.ErrRunNotFound
	}
	// Sequence guard: a stale write coalesces instead of rolling back.
	if stored.LastSequenceNum() >= run.LastSequenceNum() {
		return nil
	}
	l.runs[run.RunID()] = copyRun(run)
	return nil
}

func (l *memoryLedger) CompleteEngineRun(_ context.Context, run *domain.EngineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("complete_engine_run"); err != nil {
		return err
	}
	stored, ok := l.runs[run.RunID()]
	if !ok {
		return domain.ErrRunNotFound
	}
	if stored.Status().IsTerminal() {
		return nil
	}
	l.runs[run.RunID()] = copyRun(run)
	return nil
}

func (l *memoryLedger) GetEngineRun(_ context.Context, runID uuid.UUID) (*domain.EngineRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("get_engine_run"); err != nil {
		return nil, err
	}
	run, ok := l.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return copyRun(run), nil
}

func (l *memoryLedger) ListEngineRuns(_ context.Context, jobID uuid.UUID) ([]*domain.EngineRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("list_engine_runs"); err != nil {
		return nil, err
	}
	runs := make([]*domain.EngineRun, 0, len(l.jobRuns[jobID]))
	for _, runID := range l.jobRuns[jobID] {
		runs = append(runs, copyRun(l.runs[runID]))
	}
	return runs, nil
}

func (l *memoryLedger) UpsertFinding(_ context.Context, finding *domain.Finding) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("upsert_finding"); err != nil {
		return err
	}
	l.upsertCalls++
	byKey, ok := l.findings[finding.RunID()]
	if !ok {
		byKey = make(map[string]*domain.Finding)
		l.findings[finding.RunID()] = byKey
	}
	if _, exists := byKey[finding.NaturalKey()]; !exists {
		l.findingOrder[finding.RunID()] = append(l.findingOrder[finding.RunID()], finding.NaturalKey())
	}
	byKey[finding.NaturalKey()] = finding
	return nil
}

func (l *memoryLedger) ListFindings(_ context.Context, jobID uuid.UUID) ([]*domain.Finding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failErrLocked("list_findings"); err != nil {
		return nil, err
	}
	var out []*domain.Finding
	for _, runID := range l.jobRuns[jobID] {
		for _, key := range l.findingOrder[runID] {
			out = append(out, l.findings[runID][key])
		}
	}
	return out, nil
}

func (l *memoryLedger) FindingSeverityCounts(_ context.Context, jobID uuid.UUID) (domain.SeverityCounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var counts domain.SeverityCounts
	if err := l.failErrLocked("finding_severity_counts"); err != nil {
		return counts, err
	}
	for _, runID := range l.jobRuns[jobID] {
		for _, key := range l.findingOrder[runID] {
			counts.Add(l.findings[runID][key].Severity())
		}
	}
	return counts, nil
}

func (l *memoryLedger) storedJob(jobID uuid.UUID) *domain.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return nil
	}
	return copyJob(job)
}

func (l *memoryLedger) storedRuns(jobID uuid.UUID) []*domain.EngineRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	runs := make([]*domain.EngineRun, 0, len(l.jobRuns[jobID]))
	for _, runID := range l.jobRuns[jobID] {
		runs = append(runs, copyRun(l.runs[runID]))
	}
	return runs
}

func (l *memoryLedger) terminalWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminalJobWrites
}

func (l *memoryLedger) snapshotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotWrites
}

func (l *memoryLedger) upsertCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertCalls
}

// scriptedFinding describes one finding a scripted adapter reports; the run
// ID is filled in from the spec at execution time, the way a real adapter
// attributes results.
type scriptedFinding struct {
	naturalKey string
	severity   domain.Severity
}

// scriptedAdapter plays back a fixed sequence of run updates. Its behavior on
// cancellation is configurable: cooperative adapters land a terminal update
// when cancelled, unresponsive ones only stop when killed.
type scriptedAdapter struct {
	name     string
	startErr error

	// steps are emitted in order, stepDelay apart, before the terminal
	// update.
	steps     []domain.RunUpdate
	stepDelay time.Duration

	// findings are reported after the progress steps. Duplicate natural keys
	// are delivered as-is to exercise upsert semantics downstream.
	findings []scriptedFinding

	// terminalErr is the Err of the final Done update; nil succeeds the run.
	terminalErr error

	// holdOpen keeps the stream open after the steps until cancelled or
	// killed, for budget and cancellation tests.
	holdOpen bool

	// closeEarly closes the update channel without a terminal update.
	closeEarly bool

	// gate, when non-nil, holds the terminal update until the channel is
	// closed, letting tests choose the order runs land in.
	gate chan struct{}

	// ignoreCancel makes Cancel a no-op so only Kill stops the adapter.
	ignoreCancel bool

	healthErr error

	mu        sync.Mutex
	starts    int
	cancelled bool
	killed    bool
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) HealthCheck(context.Context) error { return a.healthErr }

func (a *scriptedAdapter) Start(_ context.Context, spec domain.RunSpec) (domain.RunHandle, error) {
	a.mu.Lock()
	a.starts++
	a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}

	h := &scriptedHandle{
		adapter:  a,
		spec:     spec,
		updates:  make(chan domain.RunUpdate),
		cancelCh: make(chan struct{}),
		killCh:   make(chan struct{}),
	}
	go h.play()
	return h, nil
}

func (a *scriptedAdapter) wasCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (a *scriptedAdapter) wasKilled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.killed
}

type scriptedHandle struct {
	adapter  *scriptedAdapter
	spec     domain.RunSpec
	updates  chan domain.RunUpdate
	cancelCh chan struct{}
	killCh   chan struct{}

	cancelOnce sync.Once
	killOnce   sync.Once
}

func (h *scriptedHandle) Updates() <-chan domain.RunUpdate { return h.updates }

func (h *scriptedHandle) Cancel(context.Context) error {
	h.adapter.mu.Lock()
	h.adapter.cancelled = true
	ignore := h.adapter.ignoreCancel
	h.adapter.mu.Unlock()
	if !ignore {
		h.cancelOnce.Do(func() { close(h.cancelCh) })
	}
	return nil
}

func (h *scriptedHandle) Kill() {
	h.adapter.mu.Lock()
	h.adapter.killed = true
	h.adapter.mu.Unlock()
	h.killOnce.Do(func() { close(h.killCh) })
}

// play pumps the scripted updates, reacting to cancel and kill the way a real
// tool session would.
func (h *scriptedHandle) play() {
	defer close(h.updates)

	terminate := func(upd domain.RunUpdate) {
		select {
		case h.updates <- upd:
		case <-h.killCh:
		}
	}

	for _, step := range h.adapter.steps {
		if h.adapter.stepDelay > 0 {
			select {
			case <-time.After(h.adapter.stepDelay):
			case <-h.cancelCh:
				terminate(domain.RunUpdate{Done: true, Err: context.Canceled})
				return
			case <-h.killCh:
				return
			}
		}
		select {
		case h.updates <- step:
		case <-h.cancelCh:
			terminate(domain.RunUpdate{Done: true, Err: context.Canceled})
			return
		case <-h.killCh:
			return
		}
	}

	for _, f := range h.adapter.findings {
		upd := domain.RunUpdate{
			Finding: testFinding(h.spec.RunID, h.adapter.name, f.naturalKey, f.severity),
		}
		select {
		case h.updates <- upd:
		case <-h.cancelCh:
			terminate(domain.RunUpdate{Done: true, Err: context.Canceled})
			return
		case <-h.killCh:
			return
		}
	}

	if h.adapter.holdOpen {
		select {
		case <-h.cancelCh:
			terminate(domain.RunUpdate{Done: true, Err: context.Canceled})
		case <-h.killCh:
		}
		return
	}

	if h.adapter.closeEarly {
		return
	}

	if h.adapter.gate != nil {
		select {
		case <-h.adapter.gate:
		case <-h.cancelCh:
			terminate(domain.RunUpdate{Done: true, Err: context.Canceled})
			return
		case <-h.killCh:
			return
		}
	}

	terminate(domain.RunUpdate{Done: true, Err: h.adapter.terminalErr})
}

// staticRegistry is a fixed adapter lookup preserving registration order.
type staticRegistry struct {
	names    []string
	adapters map[string]domain.EngineAdapter
}

func newStaticRegistry(adapters ...domain.EngineAdapter) *staticRegistry {
	r := &staticRegistry{adapters: make(map[string]domain.EngineAdapter, len(adapters))}
	for _, a := range adapters {
		r.names = append(r.names, a.Name())
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *staticRegistry) Get(name string) (domain.EngineAdapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

func (r *staticRegistry) Names() []string { return append([]string(nil), r.names...) }

// progressSteps builds n evenly spaced non-terminal updates climbing to the
// given top fraction.
func progressSteps(n int, top float64, message string) []domain.RunUpdate {
	steps := make([]domain.RunUpdate, 0, n)
	for i := 1; i <= n; i++ {
		steps = append(steps, domain.RunUpdate{
			Fraction: top * float64(i) / float64(n),
			Message:  fmt.Sprintf("%s %d/%d", message, i, n),
		})
	}
	return steps
}

// testFinding builds a finding attributed to the given run.
func testFinding(runID uuid.UUID, engine, naturalKey string, severity domain.Severity) *domain.Finding {
	return domain.NewFinding(
		uuid.New(), runID, engine, naturalKey,
		severity, 7.2,
		"test finding", "a finding produced by a scripted engine", "https://target.test/path",
		nil,
	)
}

// waitFor polls the condition until it holds or the timeout expires.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
