package scanning

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// ledgerBackoff is the bounded retry schedule shared by every ledger write
// issued from the orchestration path.
func ledgerBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(b, ctx)
}

// isPermanentLedgerErr reports whether a ledger error is a logical rejection
// rather than a transient storage failure. Rejections are never retried.
func isPermanentLedgerErr(err error) bool {
	if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrRunNotFound) ||
		errors.Is(err, domain.ErrJobAlreadyTerminal) {
		return true
	}
	var outOfOrder *domain.OutOfOrderProgressError
	if errors.As(err, &outOfOrder) {
		return true
	}
	var invalidState domain.RunInvalidStateError
	if errors.As(err, &invalidState) {
		return true
	}
	var validation *domain.ValidationError
	return errors.As(err, &validation)
}

// writeLedger runs one ledger write with bounded exponential backoff. Logical
// rejections pass through untouched; transient failures are retried until the
// schedule is exhausted, at which point the loss is logged as an operational
// alert and returned as a LedgerWriteError for the caller to act on.
func writeLedger(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isPermanentLedgerErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, ledgerBackoff(ctx))
	if err == nil {
		return nil
	}
	if isPermanentLedgerErr(err) {
		return err
	}

	log.Error(ctx, "ledger write lost after exhausting retries",
		"operation", op,
		"alert", "ledger_write_exhausted",
		"error", err,
	)
	return domain.NewLedgerWriteError(op, err)
}
