package domain

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOpenPosition is returned when an entry is attempted for a
	// token that already has a non-terminal position. The cycle logs it and
	// continues with the next candidate.
	ErrDuplicateOpenPosition = errors.New("duplicate open position for token")

	// ErrInvalidTransition signals an illegal position status change. It
	// indicates state corruption or a programming error; the store rejects the
	// write so the persisted state stays consistent.
	ErrInvalidTransition = errors.New("invalid position transition")

	// ErrDataUnavailable is returned when market data for a pool is missing or
	// stale beyond the configured bound. The pool is skipped, never fatal.
	ErrDataUnavailable = errors.New("market data unavailable or stale")

	// ErrExecutionFailed is a definitive venue rejection (slippage floor,
	// insufficient output, revert). It is never retried.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrExecutionAmbiguous means a swap was submitted but its outcome is
	// unknown (confirmation timed out). The transaction reference must be
	// reconciled before the attempt may be treated as failed.
	ErrExecutionAmbiguous = errors.New("execution outcome ambiguous")

	// ErrInsufficientBalance is returned when the stable balance cannot cover
	// the configured per-trade budget. The entry fails explicitly instead of
	// guessing a split-order strategy.
	ErrInsufficientBalance = errors.New("insufficient stable balance")

	// ErrPersistence is returned when a durable write fails. The tick aborts:
	// in-memory state is never authoritative over the store.
	ErrPersistence = errors.New("persistence failure")

	// ErrLockHeld is returned when the tick lock is already held, either by an
	// in-process tick that overran or by another replica.
	ErrLockHeld = errors.New("lock already held")
)

// AmbiguousError wraps ErrExecutionAmbiguous with the transaction reference
// that must be reconciled.
type AmbiguousError struct {
	TxRef string
}

func (e *AmbiguousError) Error() string {
	return "execution outcome ambiguous: tx " + e.TxRef
}

// Unwrap lets errors.Is match ErrExecutionAmbiguous.
func (e *AmbiguousError) Unwrap() error { return ErrExecutionAmbiguous }
