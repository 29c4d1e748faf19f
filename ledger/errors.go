package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientFunds is returned when a debit that forbids a negative
	// balance would overdraw the wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidEntry is returned for malformed entry requests.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrAlreadyReversed is returned when reversing an entry twice.
	ErrAlreadyReversed = errors.New("entry already reversed")

	// ErrNotReversible is returned when reversing a compensating entry or a
	// pending one.
	ErrNotReversible = errors.New("entry cannot be reversed")

	// ErrBalanceDrift is returned when the materialized balance no longer
	// matches the sum of final entries.
	ErrBalanceDrift = errors.New("balance does not match ledger entries")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError carries the numbers behind a rejected debit.
type InsufficientFundsError struct {
	Actor     ActorID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %d, requested %d, shortfall %d",
		e.Actor, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ReconciliationError reports a materialized balance that disagrees with the
// entries it was built from.
type ReconciliationError struct {
	Actor        ActorID
	Materialized int64
	Computed     int64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("balance drift for %s: materialized %d, sum of entries %d",
		e.Actor, e.Materialized, e.Computed)
}

func (e *ReconciliationError) Unwrap() error { return ErrBalanceDrift }
