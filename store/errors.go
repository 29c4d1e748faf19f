/*
Package store holds the persistence sentinels shared by every domain package.

Domain packages declare the store interfaces they need (ledger.Store,
enrollment.Store, recurrence.Store). Implementations live in subpackages
(store/sqlite) and translate driver errors into these sentinels so callers
can use errors.Is without knowing which database is underneath.
*/
package store

import "errors"

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert violates a uniqueness constraint
	// that the domain did not map to a more specific error.
	ErrConflict = errors.New("unique constraint violated")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// matched zero rows because another writer got there first.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrUnavailable is returned when the database is busy or locked.
	ErrUnavailable = errors.New("store temporarily unavailable")
)

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrUnavailable)
}
