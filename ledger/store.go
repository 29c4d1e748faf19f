package ledger

import "context"

// Store persists ledger entries and balances.
//
// APPEND-ONLY: there is no update or delete for entries. The only mutable row
// is the materialized balance, and it only moves through AddToBalance in the
// same transaction as the InsertEntry that justifies it.
type Store interface {
	// InsertEntry persists an entry. Returns ErrDuplicateIdempotencyKey when
	// the idempotency key exists and ErrAlreadyReversed when another entry
	// already reverses the same original.
	InsertEntry(ctx context.Context, e Entry) error

	// Entry loads one entry. store.ErrNotFound when missing.
	Entry(ctx context.Context, id EntryID) (Entry, error)

	// EntryByIdempotencyKey loads the entry written under key.
	EntryByIdempotencyKey(ctx context.Context, key string) (Entry, error)

	// EntriesByActor returns all entries for actor, oldest first.
	EntriesByActor(ctx context.Context, actor ActorID) ([]Entry, error)

	// EntriesByReference returns all entries written for a reference.
	EntriesByReference(ctx context.Context, reference string) ([]Entry, error)

	// ReversalOf returns the entry reversing id, or store.ErrNotFound.
	ReversalOf(ctx context.Context, id EntryID) (Entry, error)

	// Balance returns the materialized balance. A missing row is a zero
	// balance, not an error.
	Balance(ctx context.Context, actor ActorID) (Balance, error)

	// AddToBalance adds delta to the materialized balance, creating the row
	// on first use.
	AddToBalance(ctx context.Context, actor ActorID, currency string, delta int64) error

	// SumFinalEntries recomputes the balance from entries.
	SumFinalEntries(ctx context.Context, actor ActorID) (int64, error)

	// Actors lists every actor with a balance row.
	Actors(ctx context.Context) ([]ActorID, error)
}

// TxStore runs fn inside a database transaction. If fn returns an error the
// transaction is rolled back.
type TxStore interface {
	Store
	WithLedgerTx(ctx context.Context, fn func(Store) error) error
}
