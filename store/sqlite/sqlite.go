/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine with one database,
  so a payment confirmation can commit ledger entries, the enrollment and
  the sync outbox row in a single transaction.

INTERFACES IMPLEMENTED:
  ledger.TxStore:       entries + materialized balances
  enrollment.TxStore:   intents, enrollments, sync outbox, reconciliation cases
  enrollment.Catalog:   targets and memberships
  membership.Store:     outbox consumption + get-or-create enrollments
  membership.Linker:    target links
  recurrence.TxStore:   definitions, instances, cancellation markers

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries
  - Corrections via compensating entries only (reverses is UNIQUE)
  - balances is the only mutable money row, always moved in the same
    transaction as the entry insert

KEY TABLES:
  ledger_entries:        immutable money movements
  balances:              materialized running totals
  intents:               enrollment state machine (version column for CAS)
  enrollments:           granted access (soft revoke)
  sync_jobs:             membership sync outbox
  reconciliation_cases:  payments that arrived for terminal intents
  targets, memberships, target_links: catalog
  recurring_definitions, event_instances, instance_cancellations: schedule

INDEXES:
  - idx_intents_open:       at most one open intent per (actor, target)
  - idx_enrollments_active: at most one active enrollment per (actor, target)
  - idx_instances_slot:     (definition, start) unique, makes materialization idempotent

CONCURRENCY:
  The connection uses _txlock=immediate: every transaction takes the write
  lock on BEGIN, so reads inside a transaction see a state nobody else can
  change until commit. The pool holds one connection, which also keeps
  ":memory:" databases alive. Consequence: code running inside a
  transaction must use the Tx it was handed, never the Store.

USAGE:
  store, err := sqlite.New("./data/learning.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New(). NewFromDB skips migration.

SEE ALSO:
  - ledger.go, enrollment.go, catalog.go, recurrence.go: per-domain queries
  - store/errors.go: sentinels every query maps into
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/membership"
	"github.com/dvuka/learning-engine/recurrence"
	"github.com/dvuka/learning-engine/store"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries every query method. Store binds it to the pool, Tx to one
// transaction.
type conn struct {
	q   querier
	now func() time.Time
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// Tx is the transaction-scoped store handed to WithXxxTx callbacks.
type Tx struct {
	conn
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for queries that compare against the
// current time (membership expiry, upcoming events).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := NewFromDB(db, opts...)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an open handle without migrating. Tests use it with
// go-sqlmock.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{conn: conn{q: db, now: time.Now}, db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{conn: conn{q: sqlTx, now: s.now}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapErr(err))
	}
	return nil
}

// WithLedgerTx implements ledger.TxStore.
func (s *Store) WithLedgerTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// WithEnrollmentTx implements enrollment.TxStore.
func (s *Store) WithEnrollmentTx(ctx context.Context, fn func(enrollment.Tx) error) error {
	return s.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// WithScheduleTx implements recurrence.TxStore.
func (s *Store) WithScheduleTx(ctx context.Context, fn func(recurrence.Store) error) error {
	return s.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// Ledger returns the ledger view bound to the same transaction.
func (t *Tx) Ledger() ledger.Store { return t }

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		kind TEXT NOT NULL,
		reference TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		reverses TEXT UNIQUE REFERENCES ledger_entries(id),
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_actor
		ON ledger_entries(actor, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(reference) WHERE reference IS NOT NULL;

	-- Materialized balances
	CREATE TABLE IF NOT EXISTS balances (
		actor TEXT PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Enrollment intents
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		amount_due INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		gateway_id TEXT,
		gateway_reference TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one open intent per actor and target
	CREATE UNIQUE INDEX IF NOT EXISTS idx_intents_open
		ON intents(actor, target_kind, target_id)
		WHERE state IN ('created', 'payment_pending');

	CREATE INDEX IF NOT EXISTS idx_intents_gateway
		ON intents(gateway_id) WHERE gateway_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_intents_state_created
		ON intents(state, created_at);

	-- Enrollments
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		intent_id TEXT REFERENCES intents(id),
		source TEXT NOT NULL,
		activated_at TEXT NOT NULL,
		revoked_at TEXT,
		revoke_reason TEXT
	);

	-- CRITICAL: one active enrollment per actor and target
	CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active
		ON enrollments(actor, target_kind, target_id)
		WHERE revoked_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_enrollments_intent
		ON enrollments(intent_id) WHERE intent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_enrollments_target
		ON enrollments(target_kind, target_id);

	-- Membership sync outbox
	CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_jobs_due
		ON sync_jobs(status, next_attempt_at);

	-- Manual reconciliation
	CREATE TABLE IF NOT EXISTS reconciliation_cases (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		gateway_reference TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		detail TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(intent_id, gateway_reference)
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS targets (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		price INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		capacity INTEGER,
		registration_open BOOLEAN NOT NULL DEFAULT TRUE,
		registration_deadline TEXT,
		audience TEXT NOT NULL DEFAULT 'anyone',
		course_id TEXT,
		starts_at TEXT,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_targets_org
		ON targets(organization_id);

	CREATE TABLE IF NOT EXISTS memberships (
		actor TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (actor, organization_id)
	);

	CREATE TABLE IF NOT EXISTS target_links (
		source_kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		linked_kind TEXT NOT NULL,
		linked_id TEXT NOT NULL,
		PRIMARY KEY (source_kind, source_id, linked_kind, linked_id)
	);

	-- Recurring events
	CREATE TABLE IF NOT EXISTS recurring_definitions (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL,
		frequency TEXT NOT NULL,
		interval_weeks INTEGER NOT NULL,
		weekday INTEGER NOT NULL,
		hour INTEGER NOT NULL,
		minute INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		horizon_seconds INTEGER NOT NULL DEFAULT 0,
		series_end TEXT,
		cancelled_from TEXT,
		scope TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_instances (
		id TEXT PRIMARY KEY,
		definition_id TEXT REFERENCES recurring_definitions(id),
		target_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one instance per slot, NULL definitions (one-offs) never collide
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_slot
		ON event_instances(definition_id, start_time);

	CREATE TABLE IF NOT EXISTS instance_cancellations (
		definition_id TEXT NOT NULL REFERENCES recurring_definitions(id),
		start_time TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (definition_id, start_time)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		case se.Code == sqlite3.ErrConstraint && isUniqueConstraintError(err):
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// constraintOn reports whether err is a unique violation naming column.
func constraintOn(err error, column string) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), column)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

var (
	_ ledger.TxStore     = (*Store)(nil)
	_ enrollment.TxStore = (*Store)(nil)
	_ enrollment.Tx      = (*Tx)(nil)
	_ enrollment.Catalog = (*Store)(nil)
	_ membership.Store   = (*Store)(nil)
	_ membership.Linker  = (*Store)(nil)
	_ recurrence.TxStore = (*Store)(nil)
	_ recurrence.Store   = (*Tx)(nil)
)
