package ledger

import (
	"context"
	"fmt"
)

// RequestPayout debits amount from a user or organization wallet for a
// withdrawal. Unlike enrollment debits the money leaves the platform, so the
// wallet may not go negative. reference is the payout id and doubles as the
// idempotency key.
func (l *Ledger) RequestPayout(ctx context.Context, actor ActorID, amount int64, currency, reference string) (EntryID, error) {
	if actor == PlatformActor {
		return "", fmt.Errorf("%w: platform wallet has no payouts", ErrInvalidEntry)
	}
	if reference == "" {
		return "", fmt.Errorf("%w: payout reference required", ErrInvalidEntry)
	}
	return l.AppendEntry(ctx, EntryRequest{
		Actor:          actor,
		Amount:         amount,
		Currency:       currency,
		Kind:           KindDebit,
		Reference:      "payout:" + reference,
		Reason:         "withdrawal request",
		IdempotencyKey: "payout:" + reference,
		ForbidNegative: true,
	})
}

// FailPayout returns the funds of a payout the transfer provider rejected.
func (l *Ledger) FailPayout(ctx context.Context, entryID EntryID, reason string) (EntryID, error) {
	return l.ReverseEntry(ctx, entryID, "payout failed: "+reason)
}
