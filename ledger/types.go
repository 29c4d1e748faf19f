/*
Package ledger implements the wallet ledger: an append-only record of money
movements per actor with an additive materialized balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - ActorID: who owns a wallet (user, organization, or the platform)
  - Entry: an immutable ledger row, signed amount in minor currency units
  - Balance: the materialized running total of final entries
  - EntryRequest: what callers hand to AppendEntry

SIGN CONVENTION:
  Credits are positive, debits are negative. Kind and sign must agree.
  A compensating entry flips both.

STATUS:
  settled   final, counts toward the balance
  reversed  final compensating row (Reverses points at the original), counts
  pending   recorded but not final, never counts

SEE ALSO:
  - ledger.go: Ledger service (append, reverse, balance, reconcile)
  - store.go:  persistence interface
  - payout.go: withdrawal flow with the funds check
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTORS
// =============================================================================

// ActorID identifies a wallet owner. Format is "<kind>:<id>", except the
// platform wallet which is the bare string "platform".
type ActorID string

const PlatformActor ActorID = "platform"

func UserActor(id string) ActorID { return ActorID("user:" + id) }
func OrgActor(id string) ActorID  { return ActorID("org:" + id) }

// Kind returns "user", "org" or "platform". Unknown formats return "".
func (a ActorID) Kind() string {
	if a == PlatformActor {
		return "platform"
	}
	kind, _, ok := strings.Cut(string(a), ":")
	if !ok {
		return ""
	}
	return kind
}

// Valid reports whether the actor id is well formed.
func (a ActorID) Valid() bool {
	if a == PlatformActor {
		return true
	}
	kind, id, ok := strings.Cut(string(a), ":")
	return ok && id != "" && (kind == "user" || kind == "org")
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryID string

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusReversed Status = "reversed"
)

// Final reports whether entries with this status are part of the balance.
func (s Status) Final() bool { return s == StatusSettled || s == StatusReversed }

// Entry is an immutable ledger row. Nothing updates an Entry after insert;
// corrections are new rows with Reverses set.
type Entry struct {
	ID             EntryID
	Actor          ActorID
	Amount         int64 // signed, minor units
	Currency       string
	Kind           Kind
	Reference      string // intent, enrollment or payout id
	Reason         string
	IdempotencyKey string
	Reverses       EntryID // empty unless this is a compensating entry
	Status         Status
	CreatedAt      time.Time
}

// Balance is the materialized total of final entries for an actor.
type Balance struct {
	Actor      ActorID
	Amount     int64
	Currency   string
	EntryCount int64
	Version    int64
	UpdatedAt  time.Time
}

// EntryRequest describes an entry to append. Amount is unsigned; the sign is
// derived from Kind.
type EntryRequest struct {
	Actor          ActorID
	Amount         int64
	Currency       string
	Kind           Kind
	Reference      string
	Reason         string
	IdempotencyKey string

	// ForbidNegative rejects a debit that would take the balance below zero.
	// Payouts set it; enrollment debits don't, the money arrives externally.
	ForbidNegative bool
}

func (r EntryRequest) signedAmount() int64 {
	if r.Kind == KindDebit {
		return -r.Amount
	}
	return r.Amount
}

func (r EntryRequest) validate() error {
	if !r.Actor.Valid() {
		return fmt.Errorf("%w: actor %q", ErrInvalidEntry, r.Actor)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidEntry, r.Amount)
	}
	if r.Kind != KindCredit && r.Kind != KindDebit {
		return fmt.Errorf("%w: kind %q", ErrInvalidEntry, r.Kind)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidEntry)
	}
	return nil
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// minorUnitExp is the number of decimal places of every supported currency.
// KES and USD both use cents.
const minorUnitExp = 2

// ToMinor converts a major-unit decimal (e.g. 10.50) to minor units (1050).
// Fractions of a minor unit are rounded half away from zero.
func ToMinor(major decimal.Decimal) int64 {
	return major.Shift(minorUnitExp).Round(0).IntPart()
}

// ToMajor converts minor units back to a major-unit decimal.
func ToMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorUnitExp)
}

// Split divides amount by rate (0..1) and returns (share, remainder), with
// share rounded down so the two halves always add back to amount.
func Split(amount int64, rate decimal.Decimal) (share, rest int64) {
	if rate.IsZero() || amount == 0 {
		return 0, amount
	}
	share = decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
	return share, amount - share
}
