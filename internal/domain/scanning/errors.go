package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrJobNotFound indicates the requested job does not exist in the ledger.
var ErrJobNotFound = errors.New("scan job not found")

// ErrRunNotFound indicates the requested engine run does not exist.
var ErrRunNotFound = errors.New("engine run not found")

// ErrJobAlreadyTerminal indicates an operation addressed a job that has
// already reached a terminal state.
var ErrJobAlreadyTerminal = errors.New("scan job already in a terminal state")

// ValidationError reports a malformed scan request. It is raised before any
// job or run row is created and is never retried. Field names the offending
// request field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// AdapterError reports a failure inside a specific engine adapter. It is
// isolated to that engine's run and never escalated to sibling engines or the
// whole job.
type AdapterError struct {
	Engine string
	Err    error
}

// NewAdapterError wraps an engine failure with the engine's name.
func NewAdapterError(engine string, err error) *AdapterError {
	return &AdapterError{Engine: engine, Err: err}
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// LedgerWriteError reports that a ledger write failed after the caller's
// bounded retries were exhausted. The affected job or run is marked failed
// locally and the discrepancy surfaced as an operational alert.
type LedgerWriteError struct {
	Op  string
	Err error
}

// NewLedgerWriteError wraps a storage failure with the ledger operation name.
func NewLedgerWriteError(op string, err error) *LedgerWriteError {
	return &LedgerWriteError{Op: op, Err: err}
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger write %s: %v", e.Op, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed streaming request from a subscriber,
// such as an unparsable resume token. The gateway answers it with a forced
// resync instead of guessing the subscriber's position.
type ProtocolError struct {
	Reason string
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol error: %s", e.Reason)
}

// OutOfOrderProgressError indicates a progress update arrived with a sequence
// number at or below the last committed one and was rejected, preventing a
// delayed duplicate from rolling back displayed progress.
type OutOfOrderProgressError struct {
	runID      uuid.UUID
	seqNum     int64
	lastSeqNum int64
}

// NewOutOfOrderProgressError creates a new OutOfOrderProgressError.
func NewOutOfOrderProgressError(runID uuid.UUID, seqNum, lastSeqNum int64) *OutOfOrderProgressError {
	return &OutOfOrderProgressError{runID: runID, seqNum: seqNum, lastSeqNum: lastSeqNum}
}

func (e *OutOfOrderProgressError) Error() string {
	return fmt.Sprintf("out of order progress update for run %s: sequence number %d is not greater than the last sequence number %d",
		e.runID, e.seqNum, e.lastSeqNum)
}

// RunInvalidStateReason represents the specific reason why a run state is
// invalid for the attempted operation.
type RunInvalidStateReason string

const (
	// RunInvalidStateReasonWrongStatus indicates the run is not in the
	// correct status for the operation.
	RunInvalidStateReasonWrongStatus RunInvalidStateReason = "WRONG_STATUS"

	// RunInvalidStateReasonTerminal indicates the run has already reached a
	// terminal status.
	RunInvalidStateReasonTerminal RunInvalidStateReason = "TERMINAL"

	// RunInvalidStateReasonNotTerminal indicates a completion was attempted
	// with a non-terminal target status.
	RunInvalidStateReasonNotTerminal RunInvalidStateReason = "NOT_TERMINAL"
)

// RunInvalidStateError indicates an engine run is in an invalid state for the
// attempted operation.
type RunInvalidStateError struct {
	runID  uuid.UUID
	status RunStatus
	reason RunInvalidStateReason
}

func (e RunInvalidStateError) Error() string {
	return fmt.Sprintf("run %s is in invalid state %s: %s", e.runID, e.status, e.reason)
}

// Reason returns the specific invalid-state reason.
func (e RunInvalidStateError) Reason() RunInvalidStateReason { return e.reason }
