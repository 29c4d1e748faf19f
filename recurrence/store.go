package recurrence

import (
	"context"
	"time"
)

// Store persists definitions, instances and per-slot cancellation markers.
type Store interface {
	CreateDefinition(ctx context.Context, d Definition) error
	Definition(ctx context.Context, id DefinitionID) (Definition, error)

	// Definitions lists every definition whose series has not ended
	// before t.
	Definitions(ctx context.Context, t time.Time) ([]Definition, error)

	// SetCancelledFrom records the cutoff after which the series produces
	// nothing. An earlier existing cutoff is kept.
	SetCancelledFrom(ctx context.Context, id DefinitionID, from time.Time) error

	// LastInstanceStart returns the latest instance start of the
	// definition. ok is false when nothing was materialized yet.
	LastInstanceStart(ctx context.Context, id DefinitionID) (start time.Time, ok bool, err error)

	// InsertInstance returns false when (definition, start) already exists.
	InsertInstance(ctx context.Context, in Instance) (bool, error)

	Instances(ctx context.Context, id DefinitionID) ([]Instance, error)

	// CancelInstancesFrom cancels scheduled instances starting at or after
	// from and returns how many changed.
	CancelInstancesFrom(ctx context.Context, id DefinitionID, from time.Time) (int, error)

	// CancelInstanceAt cancels the instance starting at start, if any.
	CancelInstanceAt(ctx context.Context, id DefinitionID, start time.Time) (bool, error)

	AddCancellation(ctx context.Context, id DefinitionID, start time.Time) error

	// Cancellations returns the marked slots in [from, to).
	Cancellations(ctx context.Context, id DefinitionID, from, to time.Time) ([]time.Time, error)
}

// TxStore runs fn inside one database transaction.
type TxStore interface {
	Store
	WithScheduleTx(ctx context.Context, fn func(Store) error) error
}
