package scanning

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now().UTC() }

// Timeline tracks temporal aspects of jobs and engine runs.
type Timeline struct {
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance anchored at the current time.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		createdAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline creates a Timeline from persisted timestamps. This should
// only be used by repositories when loading from storage.
func ReconstructTimeline(createdAt, startedAt, completedAt time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		startedAt:    startedAt,
		completedAt:  completedAt,
		lastUpdate:   createdAt,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the time the entity was created.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the time execution started. Zero until MarkStarted.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns the time execution reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time the entity was last updated.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkStarted records the start of execution.
func (t *Timeline) MarkStarted() {
	t.startedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// MarkCompleted records completion time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// UpdateLastUpdate updates the last update timestamp.
func (t *Timeline) UpdateLastUpdate() {
	t.lastUpdate = t.timeProvider.Now()
}

// HasStarted checks if execution has begun.
func (t *Timeline) HasStarted() bool { return !t.startedAt.IsZero() }

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }

// Duration returns the elapsed wall-clock time between start and completion.
// For entities that never started it returns zero; for entities still running
// it returns the time elapsed so far.
func (t *Timeline) Duration() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if t.completedAt.IsZero() {
		return t.timeProvider.Now().Sub(t.startedAt)
	}
	return t.completedAt.Sub(t.startedAt)
}
