/*
ledger.go - Append-only wallet ledger

PURPOSE:
  The Ledger is the only writer of money movements. Every enrollment charge,
  organization payout, commission and refund is an Entry here. The balance
  is a materialized running total updated in the same transaction as the
  entry, so reads are constant time, and Reconcile proves it still equals
  the sum of entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted.
  2. balance == sum(final entries) for every actor.
  3. An entry is reversed at most once, by a new compensating entry.
  4. Same idempotency key = same entry (no duplicates).

CORRECTIONS:
  Charge:  -1000 settled   (actor debit)
  Refund:  +1000 reversed  (Reverses -> charge)
  Net effect is zero, both rows remain.

SEE ALSO:
  - store.go:  persistence interface
  - payout.go: withdrawals with the funds check
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dvuka/learning-engine/observability"
	"github.com/dvuka/learning-engine/store"
)

// Ledger appends entries and maintains balances.
type Ledger struct {
	store  TxStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New returns a Ledger backed by s.
func New(s TxStore, opts ...Option) *Ledger {
	l := &Ledger{store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = observability.Component(l.logger, "ledger")
	return l
}

// =============================================================================
// WRITES
// =============================================================================

// AppendEntry creates a settled entry and updates the actor's balance in one
// transaction. Returns the new entry id.
func (l *Ledger) AppendEntry(ctx context.Context, req EntryRequest) (EntryID, error) {
	var id EntryID
	err := l.store.WithLedgerTx(ctx, func(s Store) error {
		e, err := l.AppendTx(ctx, s, req)
		id = e.ID
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return id, err
	case err != nil:
		return "", err
	}
	return id, nil
}

// AppendTx is AppendEntry for callers that already hold a transaction. s must
// be the transaction-scoped store.
//
// When the idempotency key was used before, the existing entry is returned
// together with ErrDuplicateIdempotencyKey.
func (l *Ledger) AppendTx(ctx context.Context, s Store, req EntryRequest) (Entry, error) {
	if err := req.validate(); err != nil {
		return Entry{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.EntryByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, ErrDuplicateIdempotencyKey
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Entry{}, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	bal, err := s.Balance(ctx, req.Actor)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read balance: %w", err)
	}
	if bal.EntryCount > 0 && bal.Currency != "" && bal.Currency != req.Currency {
		return Entry{}, fmt.Errorf("%w: wallet %s holds %s, entry is %s",
			ErrInvalidEntry, req.Actor, bal.Currency, req.Currency)
	}
	if req.ForbidNegative && req.Kind == KindDebit && bal.Amount < req.Amount {
		return Entry{}, &InsufficientFundsError{Actor: req.Actor, Available: bal.Amount, Requested: req.Amount}
	}

	entry := Entry{
		ID:             EntryID(uuid.NewString()),
		Actor:          req.Actor,
		Amount:         req.signedAmount(),
		Currency:       req.Currency,
		Kind:           req.Kind,
		Reference:      req.Reference,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusSettled,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.write(ctx, s, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ReverseEntry writes the compensating entry for id. The original is never
// modified.
func (l *Ledger) ReverseEntry(ctx context.Context, id EntryID, reason string) (EntryID, error) {
	var rid EntryID
	err := l.store.WithLedgerTx(ctx, func(s Store) error {
		e, err := l.ReverseTx(ctx, s, id, reason)
		if err != nil {
			return err
		}
		rid = e.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return rid, nil
}

// ReverseTx is ReverseEntry inside an existing transaction.
func (l *Ledger) ReverseTx(ctx context.Context, s Store, id EntryID, reason string) (Entry, error) {
	orig, err := s.Entry(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	if orig.Reverses != "" || !orig.Status.Final() {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotReversible, id)
	}
	if _, err := s.ReversalOf(ctx, id); err == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyReversed, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Entry{}, fmt.Errorf("failed to check reversal of %s: %w", id, err)
	}

	kind := KindCredit
	if orig.Kind == KindCredit {
		kind = KindDebit
	}
	comp := Entry{
		ID:             EntryID(uuid.NewString()),
		Actor:          orig.Actor,
		Amount:         -orig.Amount,
		Currency:       orig.Currency,
		Kind:           kind,
		Reference:      orig.Reference,
		Reason:         reason,
		IdempotencyKey: "reverse:" + string(orig.ID),
		Reverses:       orig.ID,
		Status:         StatusReversed,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.write(ctx, s, comp); err != nil {
		return Entry{}, err
	}
	return comp, nil
}

func (l *Ledger) write(ctx context.Context, s Store, e Entry) error {
	if err := s.InsertEntry(ctx, e); err != nil {
		return err
	}
	if e.Status.Final() {
		if err := s.AddToBalance(ctx, e.Actor, e.Currency, e.Amount); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
	}
	observability.LedgerEntries.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
	return nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the materialized balance for actor.
func (l *Ledger) GetBalance(ctx context.Context, actor ActorID) (Balance, error) {
	return l.store.Balance(ctx, actor)
}

// Entries returns the actor's entries, oldest first.
func (l *Ledger) Entries(ctx context.Context, actor ActorID) ([]Entry, error) {
	return l.store.EntriesByActor(ctx, actor)
}

// EntriesFor returns the entries written for a reference.
func (l *Ledger) EntriesFor(ctx context.Context, reference string) ([]Entry, error) {
	return l.store.EntriesByReference(ctx, reference)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile checks balance == sum(final entries) for actor inside a single
// transaction so the two reads see the same snapshot.
func (l *Ledger) Reconcile(ctx context.Context, actor ActorID) error {
	return l.store.WithLedgerTx(ctx, func(s Store) error {
		bal, err := s.Balance(ctx, actor)
		if err != nil {
			return err
		}
		sum, err := s.SumFinalEntries(ctx, actor)
		if err != nil {
			return err
		}
		if bal.Amount != sum {
			return &ReconciliationError{Actor: actor, Materialized: bal.Amount, Computed: sum}
		}
		return nil
	})
}

// ReconcileAll runs Reconcile for every actor and returns the drifted ones.
// Drift is logged at error level; it is never corrected automatically.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]*ReconciliationError, error) {
	actors, err := l.store.Actors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list actors: %w", err)
	}
	var drifted []*ReconciliationError
	for _, a := range actors {
		err := l.Reconcile(ctx, a)
		var rerr *ReconciliationError
		switch {
		case err == nil:
		case errors.As(err, &rerr):
			l.logger.ErrorContext(ctx, "ledger balance drift",
				"actor", rerr.Actor, "materialized", rerr.Materialized, "computed", rerr.Computed)
			drifted = append(drifted, rerr)
		default:
			return drifted, err
		}
	}
	return drifted, nil
}
