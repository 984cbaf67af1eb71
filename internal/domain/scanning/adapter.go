package scanning

import (
	"context"

	"github.com/google/uuid"
)

// RunSpec describes one engine run to execute: the target, the identifiers
// tying updates back to the ledger, and engine-specific options.
type RunSpec struct {
	JobID   uuid.UUID
	RunID   uuid.UUID
	Target  string
	Options map[string]any
}

// RunUpdate is one notification from an executing engine. A sequence of
// updates ends with exactly one terminal update (Done set); the adapter
// closes the channel afterwards.
type RunUpdate struct {
	// Fraction is the engine's best-effort progress in [0, 1]. Engines that
	// cannot report granular progress hold 0 until completion.
	Fraction float64

	// Message describes what the engine is currently doing.
	Message string

	// Finding is set when the engine surfaced a result. Findings may arrive
	// incrementally or in a final batch; consumers tolerate either.
	Finding *Finding

	// Done marks the terminal update for the run.
	Done bool

	// Err reports the unrecoverable failure that terminated the run. Only
	// meaningful when Done is set; nil means the run succeeded.
	Err error
}

// RunHandle controls one executing engine run.
type RunHandle interface {
	// Updates returns the stream of progress, finding, and terminal
	// notifications for the run.
	Updates() <-chan RunUpdate

	// Cancel requests cooperative termination. The engine is expected to
	// reach a terminal update within the cancellation grace period.
	Cancel(ctx context.Context) error

	// Kill force-terminates the underlying tool session. Used when the
	// engine ignores cooperative cancellation past the grace window.
	Kill()
}

// EngineAdapter wraps a concrete scanning tool behind one uniform contract so
// the orchestrator never needs tool-specific logic. Adapters convert every
// internal failure into a terminal update; they never panic past this
// boundary.
type EngineAdapter interface {
	// Name returns the engine's registered name, e.g. "web_vuln".
	Name() string

	// Start begins execution and returns immediately; the scan itself runs
	// on the adapter's own goroutine. Safe to call once per run.
	Start(ctx context.Context, spec RunSpec) (RunHandle, error)

	// HealthCheck verifies the underlying tool is reachable and operational.
	HealthCheck(ctx context.Context) error
}

// AdapterLookup resolves engine names to registered adapters. Submission
// validation checks requested names against it.
type AdapterLookup interface {
	// Get returns the adapter registered under the given name.
	Get(name string) (EngineAdapter, bool)

	// Names returns all registered engine names in registration order.
	Names() []string
}
