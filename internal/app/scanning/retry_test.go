package scanning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

func TestWriteLedgerSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := writeLedger(context.Background(), logger.Noop(), "update_job_status", func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWriteLedgerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := writeLedger(context.Background(), logger.Noop(), "update_job_status", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWriteLedgerPassesLogicalRejectionsThrough(t *testing.T) {
	t.Parallel()

	run := domain.NewEngineRun(uuid.New(), uuid.New(), "web_vuln")
	require.NoError(t, run.Start())
	invalidState := run.Start()
	require.Error(t, invalidState)

	tests := []struct {
		name string
		err  error
	}{
		{name: "job not found", err: domain.ErrJobNotFound},
		{name: "run not found", err: domain.ErrRunNotFound},
		{name: "job already terminal", err: domain.ErrJobAlreadyTerminal},
		{name: "validation", err: domain.NewValidationError("target_url", "must be absolute")},
		{name: "out of order progress", err: domain.NewOutOfOrderProgressError(uuid.New(), 3, 7)},
		{name: "run invalid state", err: invalidState},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			attempts := 0
			err := writeLedger(context.Background(), logger.Noop(), "update_run_progress", func() error {
				attempts++
				return tt.err
			})
			assert.Equal(t, 1, attempts, "logical rejections must not be retried")
			assert.ErrorIs(t, err, tt.err)

			var lost *domain.LedgerWriteError
			assert.False(t, errors.As(err, &lost), "rejections must not be dressed up as write loss")
		})
	}
}

func TestWriteLedgerExhaustionReturnsLedgerWriteError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	attempts := 0
	err := writeLedger(ctx, logger.Noop(), "complete_engine_run", func() error {
		attempts++
		return errors.New("dial tcp: connection refused")
	})

	require.Error(t, err)
	var lost *domain.LedgerWriteError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "complete_engine_run", lost.Op)
	// The schedule is context-bounded, so exhaustion surfaces as the
	// context's error wrapped in the write-loss type.
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, attempts, 2, "transient failures must be retried before giving up")
}
