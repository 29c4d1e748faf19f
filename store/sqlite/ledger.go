package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvuka/learning-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

const entryColumns = `id, actor, amount, currency, kind, reference, reason,
	idempotency_key, reverses, status, created_at`

// InsertEntry adds an entry to the ledger.
func (c *conn) InsertEntry(ctx context.Context, e ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Amount,
		e.Currency,
		e.Kind,
		nullString(e.Reference),
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		nullString(string(e.Reverses)),
		e.Status,
		fmtTime(e.CreatedAt),
	)
	if err != nil {
		// Distinguish a second reversal from an idempotent retry
		if constraintOn(err, "ledger_entries.reverses") {
			return ledger.ErrAlreadyReversed
		}
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert entry: %w", mapErr(err))
	}
	return nil
}

func (c *conn) Entry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (c *conn) EntryByIdempotencyKey(ctx context.Context, key string) (ledger.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

func (c *conn) ReversalOf(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE reverses = ?`, id)
	return scanEntry(row)
}

func (c *conn) EntriesByActor(ctx context.Context, actor ledger.ActorID) ([]ledger.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE actor = ?
		ORDER BY created_at ASC, rowid ASC
	`, actor)
}

func (c *conn) EntriesByReference(ctx context.Context, reference string) ([]ledger.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE reference = ?
		ORDER BY created_at ASC, rowid ASC
	`, reference)
}

func (c *conn) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", mapErr(err))
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		reference      sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		reverses       sql.NullString
		createdAt      string
	)
	err := s.Scan(
		&e.ID, &e.Actor, &e.Amount, &e.Currency, &e.Kind,
		&reference, &reason, &idempotencyKey, &reverses, &e.Status, &createdAt,
	)
	if err != nil {
		return e, mapErr(err)
	}
	e.Reference = reference.String
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	e.Reverses = ledger.EntryID(reverses.String)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// BALANCES
// =============================================================================

// Balance returns the materialized balance. A wallet that never moved has a
// zero balance.
func (c *conn) Balance(ctx context.Context, actor ledger.ActorID) (ledger.Balance, error) {
	var (
		b         = ledger.Balance{Actor: actor}
		updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT amount, currency, entry_count, version, updated_at
		FROM balances WHERE actor = ?
	`, actor).Scan(&b.Amount, &b.Currency, &b.EntryCount, &b.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("failed to read balance: %w", mapErr(err))
	}
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// AddToBalance moves the materialized balance by delta.
func (c *conn) AddToBalance(ctx context.Context, actor ledger.ActorID, currency string, delta int64) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO balances (actor, amount, currency, entry_count, version, updated_at)
		VALUES (?, ?, ?, 1, 1, ?)
		ON CONFLICT(actor) DO UPDATE SET
			amount = amount + excluded.amount,
			entry_count = entry_count + 1,
			version = version + 1,
			updated_at = excluded.updated_at
	`, actor, delta, currency, fmtTime(c.now()))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", mapErr(err))
	}
	return nil
}

func (c *conn) SumFinalEntries(ctx context.Context, actor ledger.ActorID) (int64, error) {
	var sum int64
	err := c.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE actor = ? AND status IN (?, ?)
	`, actor, ledger.StatusSettled, ledger.StatusReversed).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", mapErr(err))
	}
	return sum, nil
}

func (c *conn) Actors(ctx context.Context) ([]ledger.ActorID, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT actor FROM balances ORDER BY actor`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actors: %w", mapErr(err))
	}
	defer rows.Close()

	var actors []ledger.ActorID
	for rows.Next() {
		var a ledger.ActorID
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}
