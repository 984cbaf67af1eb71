package scanning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/corvidsec/raven/internal/domain/events"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

type aggregatorHarness struct {
	agg       *ProgressAggregator
	ledger    *memoryLedger
	publisher *capturingPublisher
}

func newAggregatorHarness(t *testing.T, opts ...AggregatorOption) *aggregatorHarness {
	t.Helper()

	ledger := newMemoryLedger()
	publisher := &capturingPublisher{}
	tracer := noop.NewTracerProvider().Tracer("test")
	policies := NewPolicySet(EnginePolicy{}, map[string]EnginePolicy{
		"web_vuln":  {Weight: 3},
		"port_scan": {Weight: 1},
	})
	agg := NewProgressAggregator("test-engine", ledger, publisher, policies, logger.Noop(), tracer, opts...)

	return &aggregatorHarness{agg: agg, ledger: ledger, publisher: publisher}
}

func (h *aggregatorHarness) deliver(t *testing.T, evt events.DomainEvent) {
	t.Helper()
	env := events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
	require.NoError(t, h.agg.HandleStreamSource(context.Background(), env, func(error) {}))
}

// seedJob persists a running job with one pending run per engine and returns
// the job plus the run IDs keyed by engine name.
func (h *aggregatorHarness) seedJob(t *testing.T, engines ...string) (*domain.Job, map[string]uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	job := domain.NewJob(uuid.New(), uuid.New(), "https://target.test", engines)
	runs := make([]*domain.EngineRun, 0, len(engines))
	runIDs := make(map[string]uuid.UUID, len(engines))
	for _, engine := range engines {
		run := domain.NewEngineRun(uuid.New(), job.JobID(), engine)
		runs = append(runs, run)
		runIDs[engine] = run.RunID()
	}
	require.NoError(t, h.ledger.CreateJob(ctx, job, runs))
	require.NoError(t, job.UpdateStatus(domain.JobStatusRunning))
	require.NoError(t, h.ledger.UpdateJobStatus(ctx, job))

	return job, runIDs
}

func progressEvent(jobID, runID uuid.UUID, engine string, seq int64, fraction float64, msg string) domain.RunProgressedEvent {
	return domain.NewRunProgressedEvent(
		domain.NewProgress(jobID, runID, engine, seq, fraction, msg, time.Now().UTC()),
	)
}

// pace keeps consecutive deliveries on distinct clock readings so a
// nanosecond debounce never coalesces them.
func pace() { time.Sleep(2 * time.Millisecond) }

func TestAggregatorWeightedProgress(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln", "port_scan")
	jobID := job.JobID()

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	pace()
	h.deliver(t, domain.NewRunStartedEvent(jobID, runIDs["web_vuln"], "web_vuln"))
	pace()
	h.deliver(t, progressEvent(jobID, runIDs["web_vuln"], "web_vuln", 1, 0.5, "crawling"))
	pace()
	h.deliver(t, progressEvent(jobID, runIDs["port_scan"], "port_scan", 1, 1.0, "swept"))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 4)
	for i, evt := range evts {
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, domain.StreamKindProgress, evt.Kind)
		require.NotNil(t, evt.Snapshot)
	}

	// web_vuln carries 3x the weight of port_scan.
	assert.Equal(t, float64(0), evts[0].Snapshot.OverallProgress)
	assert.Equal(t, 37.5, evts[2].Snapshot.OverallProgress)
	assert.Equal(t, 62.5, evts[3].Snapshot.OverallProgress)

	// Engine slices keep dispatch order.
	require.Len(t, evts[3].Snapshot.Engines, 2)
	assert.Equal(t, "web_vuln", evts[3].Snapshot.Engines[0].EngineName)
	assert.Equal(t, "port_scan", evts[3].Snapshot.Engines[1].EngineName)

	// Every emission also landed in the ledger.
	assert.Equal(t, 4, h.ledger.snapshotCount())
	stored := h.ledger.storedJob(jobID)
	require.NotNil(t, stored)
	assert.Equal(t, 62.5, stored.OverallProgress())
}

func TestAggregatorSeedsStreamAtAcceptance(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()

	h.deliver(t, domain.NewJobRequestedEvent(jobID, job.TargetURL(), job.Engines()))
	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	pace()
	h.deliver(t, progressEvent(jobID, runIDs["web_vuln"], "web_vuln", 1, 0.25, "crawling"))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 3)

	// The stream exists from acceptance, before dispatch.
	assert.Equal(t, uint64(1), evts[0].Seq)
	assert.Equal(t, domain.JobStatusPending, evts[0].Snapshot.Status)
	assert.Equal(t, "scan accepted", evts[0].Snapshot.Message)

	// Dispatch reuses the seeded state rather than resetting it.
	assert.Equal(t, uint64(2), evts[1].Seq)
	assert.Equal(t, domain.JobStatusRunning, evts[1].Snapshot.Status)
	assert.Equal(t, "scan dispatched", evts[1].Snapshot.Message)

	assert.Equal(t, uint64(3), evts[2].Seq)

	replayed, ok := h.agg.Replay(jobID, 0)
	require.True(t, ok)
	assert.Len(t, replayed, 3)
}

func TestAggregatorProgressNeverRegresses(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()
	runID := runIDs["web_vuln"]

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	pace()
	h.deliver(t, progressEvent(jobID, runID, "web_vuln", 1, 0.6, "crawling"))
	pace()
	// A later update reporting less progress must coalesce, not roll back.
	h.deliver(t, progressEvent(jobID, runID, "web_vuln", 2, 0.2, "recrawling"))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 3)
	assert.Equal(t, float64(60), evts[1].Snapshot.OverallProgress)
	assert.Equal(t, float64(60), evts[2].Snapshot.OverallProgress)
	assert.Equal(t, 0.6, evts[2].Snapshot.Engines[0].Fraction)
}

func TestAggregatorFailedEngineFreezesContribution(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln", "port_scan")
	jobID := job.JobID()

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	pace()
	h.deliver(t, progressEvent(jobID, runIDs["web_vuln"], "web_vuln", 1, 0.5, "crawling"))
	pace()
	h.deliver(t, domain.NewRunCompletedEvent(jobID, runIDs["web_vuln"], "web_vuln", domain.RunStatusFailed, "spider crashed"))
	pace()
	h.deliver(t, progressEvent(jobID, runIDs["port_scan"], "port_scan", 1, 1.0, "swept"))
	pace()
	h.deliver(t, domain.NewRunCompletedEvent(jobID, runIDs["port_scan"], "port_scan", domain.RunStatusSucceeded, ""))
	pace()
	h.deliver(t, domain.NewJobCompletedEvent(jobID, domain.JobStatusCompletedPartial, "web_vuln: spider crashed"))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 7)

	// The failed engine's last fraction stays in the weighted mean.
	assert.Equal(t, 37.5, evts[2].Snapshot.OverallProgress)
	assert.Equal(t, domain.RunStatusFailed, evts[2].Snapshot.Engines[0].Status)
	assert.Equal(t, 0.5, evts[2].Snapshot.Engines[0].Fraction)
	assert.Equal(t, 62.5, evts[3].Snapshot.OverallProgress)

	// Terminal: a forced snapshot landing at 100, then the summary.
	finalSnapshot := evts[5]
	assert.Equal(t, domain.StreamKindProgress, finalSnapshot.Kind)
	assert.Equal(t, float64(100), finalSnapshot.Snapshot.OverallProgress)
	assert.Equal(t, domain.JobStatusCompletedPartial, finalSnapshot.Snapshot.Status)

	completion := evts[6]
	assert.Equal(t, domain.StreamKindCompletion, completion.Kind)
	require.NotNil(t, completion.Completion)
	assert.Equal(t, domain.JobStatusCompletedPartial, completion.Completion.Status)
	assert.Equal(t, "web_vuln: spider crashed", completion.Completion.ErrorSummary)
}

func TestAggregatorDebouncesBetweenStatusChanges(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(5*time.Second))
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()
	runID := runIDs["web_vuln"]

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	for i := 1; i <= 5; i++ {
		h.deliver(t, progressEvent(jobID, runID, "web_vuln", int64(i), float64(i)*0.1, "crawling"))
	}
	// Pure progress inside the window is coalesced.
	assert.Len(t, h.publisher.streamEvents(), 1)

	// A status change bypasses the debounce and carries the coalesced state.
	h.deliver(t, domain.NewJobCancellingEvent(jobID))
	evts := h.publisher.streamEvents()
	require.Len(t, evts, 2)
	assert.Equal(t, domain.JobStatusCancelling, evts[1].Snapshot.Status)
	assert.Equal(t, 0.5, evts[1].Snapshot.Engines[0].Fraction)

	h.deliver(t, domain.NewJobCompletedEvent(jobID, domain.JobStatusCancelled, "scan cancelled by user"))
	evts = h.publisher.streamEvents()
	require.Len(t, evts, 4)

	// Sequence numbers stay contiguous per job across kinds.
	for i, evt := range evts {
		assert.Equal(t, uint64(i+1), evt.Seq)
	}

	// A cancelled job's progress freezes rather than jumping to 100.
	finalSnapshot := evts[2]
	assert.Equal(t, float64(50), finalSnapshot.Snapshot.OverallProgress)
	assert.Equal(t, domain.JobStatusCancelled, finalSnapshot.Snapshot.Status)
	assert.Equal(t, domain.StreamKindCompletion, evts[3].Kind)
	assert.Equal(t, "scan cancelled by user", evts[3].Completion.ErrorSummary)

	assert.Equal(t, 3, h.ledger.snapshotCount())
}

func TestAggregatorForwardsFindingsImmediately(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(5*time.Second))
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))

	finding := testFinding(runIDs["web_vuln"], "web_vuln", "xss:/search", domain.SeverityCritical)
	h.deliver(t, domain.NewFindingReportedEvent(jobID, finding))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 2)
	assert.Equal(t, domain.StreamKindFinding, evts[1].Kind)
	assert.Equal(t, uint64(2), evts[1].Seq)
	require.NotNil(t, evts[1].Finding)
	assert.Equal(t, "xss:/search", evts[1].Finding.NaturalKey())
	assert.Equal(t, domain.SeverityCritical, evts[1].Finding.Severity())
}

func TestAggregatorCompletionSummaryTalliesLedger(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()
	runID := runIDs["web_vuln"]
	ctx := context.Background()

	require.NoError(t, h.ledger.UpsertFinding(ctx, testFinding(runID, "web_vuln", "xss:/search", domain.SeverityCritical)))
	require.NoError(t, h.ledger.UpsertFinding(ctx, testFinding(runID, "web_vuln", "hdr:/", domain.SeverityLow)))

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	pace()
	h.deliver(t, domain.NewJobCompletedEvent(jobID, domain.JobStatusCompleted, ""))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 3)
	completion := evts[2]
	require.Equal(t, domain.StreamKindCompletion, completion.Kind)
	require.NotNil(t, completion.Completion)

	assert.Equal(t, 2, completion.Completion.TotalFindings)
	assert.Equal(t, 1, completion.Completion.SeverityCounts.Critical)
	assert.Equal(t, 1, completion.Completion.SeverityCounts.Low)
	assert.Equal(t, 12.5, completion.Completion.RiskScore)
	assert.Greater(t, completion.Completion.Duration, time.Duration(0))
}

func TestAggregatorReplayWindow(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t,
		WithSnapshotDebounce(time.Nanosecond),
		WithBacklogCapacity(4),
	)
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()
	runID := runIDs["web_vuln"]

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	for i := 1; i <= 6; i++ {
		pace()
		h.deliver(t, progressEvent(jobID, runID, "web_vuln", int64(i), float64(i)/10, "crawling"))
	}
	require.Len(t, h.publisher.streamEvents(), 7)

	// Events 1-3 have been evicted; a subscriber that old needs a resync.
	_, ok := h.agg.Replay(jobID, 0)
	assert.False(t, ok)

	evts, ok := h.agg.Replay(jobID, 3)
	require.True(t, ok)
	require.Len(t, evts, 4)
	assert.Equal(t, uint64(4), evts[0].Seq)
	assert.Equal(t, uint64(7), evts[3].Seq)

	evts, ok = h.agg.Replay(jobID, 5)
	require.True(t, ok)
	require.Len(t, evts, 2)

	evts, ok = h.agg.Replay(jobID, 7)
	require.True(t, ok)
	assert.Empty(t, evts)

	_, ok = h.agg.Replay(uuid.New(), 0)
	assert.False(t, ok)

	latest, ok := h.agg.LatestSnapshot(jobID)
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest.Seq)
}

func TestAggregatorRebuildsStateFromLedger(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t, WithSnapshotDebounce(time.Nanosecond))
	job, runIDs := h.seedJob(t, "web_vuln", "port_scan")
	jobID := job.JobID()
	webRunID := runIDs["web_vuln"]
	ctx := context.Background()

	// Advance one run in the ledger only, as if a previous aggregator saw it.
	run, err := h.ledger.GetEngineRun(ctx, webRunID)
	require.NoError(t, err)
	require.NoError(t, run.Start())
	require.NoError(t, h.ledger.StartEngineRun(ctx, run))
	require.NoError(t, run.ApplyProgress(domain.NewProgress(jobID, webRunID, "web_vuln", 5, 0.7, "crawling", time.Now())))
	require.NoError(t, h.ledger.UpdateRunProgress(ctx, run))

	// No JobStarted was delivered: the state must hydrate from the ledger.
	h.deliver(t, progressEvent(jobID, webRunID, "web_vuln", 6, 0.75, "crawling"))

	evts := h.publisher.streamEvents()
	require.Len(t, evts, 1)
	snapshot := evts[0].Snapshot
	require.NotNil(t, snapshot)
	assert.Equal(t, domain.JobStatusRunning, snapshot.Status)
	require.Len(t, snapshot.Engines, 2)
	assert.Equal(t, 0.75, snapshot.Engines[0].Fraction)
	assert.Equal(t, domain.RunStatusPending, snapshot.Engines[1].Status)
	assert.Equal(t, 56.25, snapshot.OverallProgress)

	// Updates for an engine the job never requested are dropped quietly.
	pace()
	h.deliver(t, progressEvent(jobID, uuid.New(), "quantum_fuzz", 1, 0.9, "noise"))
	assert.Len(t, h.publisher.streamEvents(), 1)
}

func TestAggregatorFlusherLandsDirtyStateAndPurges(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t,
		WithSnapshotDebounce(25*time.Millisecond),
		WithTerminalRetention(50*time.Millisecond),
	)
	job, runIDs := h.seedJob(t, "web_vuln")
	jobID := job.JobID()
	runID := runIDs["web_vuln"]

	h.deliver(t, domain.NewJobStartedEvent(jobID, job.TargetURL(), job.Engines()))
	h.deliver(t, progressEvent(jobID, runID, "web_vuln", 1, 0.4, "crawling"))
	h.deliver(t, progressEvent(jobID, runID, "web_vuln", 2, 0.6, "crawling"))
	require.Len(t, h.publisher.streamEvents(), 1, "progress within the window must be coalesced")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agg.Start(ctx)

	// The background flusher lands the coalesced snapshot.
	require.True(t, waitFor(2*time.Second, func() bool {
		return len(h.publisher.streamEvents()) >= 2
	}), "flusher never landed the dirty snapshot")
	evts := h.publisher.streamEvents()
	assert.Equal(t, float64(60), evts[len(evts)-1].Snapshot.OverallProgress)

	h.deliver(t, domain.NewJobCompletedEvent(jobID, domain.JobStatusCompleted, ""))

	// Past the retention window the job's stream state is purged.
	require.True(t, waitFor(2*time.Second, func() bool {
		_, ok := h.agg.Replay(jobID, 0)
		return !ok
	}), "terminal state never purged")
	_, ok := h.agg.LatestSnapshot(jobID)
	assert.False(t, ok)

	h.agg.Stop(ctx)
}

func TestAggregatorRejectsMismatchedPayload(t *testing.T) {
	t.Parallel()
	h := newAggregatorHarness(t)

	env := events.EventEnvelope{
		Type:      domain.EventTypeJobStarted,
		Timestamp: time.Now(),
		Payload:   "not a job started event",
	}
	err := h.agg.HandleStreamSource(context.Background(), env, func(error) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload type")
}
