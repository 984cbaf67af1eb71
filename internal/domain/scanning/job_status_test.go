package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{name: "pending to running", from: JobStatusPending, to: JobStatusRunning, allowed: true},
		{name: "pending to cancelling", from: JobStatusPending, to: JobStatusCancelling, allowed: true},
		{name: "pending to cancelled", from: JobStatusPending, to: JobStatusCancelled, allowed: true},
		{name: "pending to completed", from: JobStatusPending, to: JobStatusCompleted, allowed: false},
		{name: "running to completed", from: JobStatusRunning, to: JobStatusCompleted, allowed: true},
		{name: "running to completed partial", from: JobStatusRunning, to: JobStatusCompletedPartial, allowed: true},
		{name: "running to failed", from: JobStatusRunning, to: JobStatusFailed, allowed: true},
		{name: "running to cancelling", from: JobStatusRunning, to: JobStatusCancelling, allowed: true},
		{name: "running to cancelled without intent", from: JobStatusRunning, to: JobStatusCancelled, allowed: false},
		{name: "running to pending", from: JobStatusRunning, to: JobStatusPending, allowed: false},
		{name: "cancelling to cancelled", from: JobStatusCancelling, to: JobStatusCancelled, allowed: true},
		{name: "cancelling to failed", from: JobStatusCancelling, to: JobStatusFailed, allowed: true},
		{name: "cancelling to completed", from: JobStatusCancelling, to: JobStatusCompleted, allowed: false},
		{name: "completed is terminal", from: JobStatusCompleted, to: JobStatusRunning, allowed: false},
		{name: "completed partial is terminal", from: JobStatusCompletedPartial, to: JobStatusRunning, allowed: false},
		{name: "failed is terminal", from: JobStatusFailed, to: JobStatusRunning, allowed: false},
		{name: "cancelled is terminal", from: JobStatusCancelled, to: JobStatusRunning, allowed: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.from.validateTransition(tc.to)
			if tc.allowed {
				require.NoError(t, err, "transition %s -> %s should be allowed", tc.from, tc.to)
				return
			}
			require.Error(t, err, "transition %s -> %s should be rejected", tc.from, tc.to)
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []JobStatus{JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCancelling}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []JobStatus{
		JobStatusPending,
		JobStatusRunning,
		JobStatusCancelling,
		JobStatusCompleted,
		JobStatusCompletedPartial,
		JobStatusFailed,
		JobStatusCancelled,
	} {
		assert.Equal(t, s, ParseJobStatus(s.String()))
	}

	assert.Equal(t, JobStatus(""), ParseJobStatus("bogus"))
}
