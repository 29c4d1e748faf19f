/*
coordinator.go - Enrollment intent state machine

PURPOSE:
  The Coordinator is the only component that transitions intents. It
  validates eligibility, opens intents, and on payment confirmation commits
  the ledger entries, the enrollment and the membership sync outbox row in
  one transaction.

CONCURRENCY:
  Every transition is a compare-and-swap on (id, version, state). When the
  swap loses, the intent is re-read and the decision is made again against
  the winner's state. Gateway calls happen outside any transaction.

DUPLICATES:
  Gateways deliver callbacks at least once. A second confirmation returns
  the first enrollment together with AlreadyConfirmedError; nothing is
  written twice.

LATE MONEY:
  A confirmation for an expired or failed intent is not applied. It is
  persisted as a ReconciliationCase and logged at error level. So is a
  confirmation the ledger refuses; the intent then stays open.

CURRENCY:
  Wallets hold one currency. Paid targets must be priced in the platform
  currency, checked again at BeginEnrollment.

SEE ALSO:
  - types.go:  states and records
  - store.go:  persistence and collaborator interfaces
  - ledger/:   entries written during confirmation
*/
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvuka/learning-engine/gateway"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/observability"
	"github.com/dvuka/learning-engine/store"
)

// maxCASAttempts bounds re-reads after a lost compare-and-swap.
const maxCASAttempts = 3

// DefaultCurrency is used when Config.Currency is empty.
const DefaultCurrency = "KES"

// Config is the coordinator's business configuration.
type Config struct {
	// CommissionRate is the platform share of every paid enrollment (0..1).
	CommissionRate decimal.Decimal

	// PlatformActor receives the commission.
	PlatformActor ledger.ActorID

	// Currency is the only currency paid targets may be priced in.
	Currency string

	// IntentTTL is how long an intent may stay open before ExpireStale
	// expires it.
	IntentTTL time.Duration
}

// Coordinator runs the enrollment state machine.
type Coordinator struct {
	store   TxStore
	ledger  *ledger.Ledger
	catalog Catalog
	gateway Gateway
	sync    MembershipSync
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }

// NewCoordinator wires a Coordinator. sync may be nil.
func NewCoordinator(s TxStore, l *ledger.Ledger, catalog Catalog, gw Gateway, sync MembershipSync, cfg Config, opts ...Option) *Coordinator {
	if cfg.PlatformActor == "" {
		cfg.PlatformActor = ledger.PlatformActor
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 24 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	c := &Coordinator{
		store:   s,
		ledger:  l,
		catalog: catalog,
		gateway: gw,
		sync:    sync,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.Component(c.logger, "enrollment")
	return c
}

// =============================================================================
// BEGIN
// =============================================================================

// BeginEnrollment validates eligibility and opens an intent. Free targets are
// confirmed in the same transaction and the Initiation carries the
// enrollment.
func (c *Coordinator) BeginEnrollment(ctx context.Context, actor ledger.ActorID, target Target) (*Initiation, error) {
	if !actor.Valid() || actor.Kind() != "user" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActor, actor)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}

	info, err := c.catalog.Target(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &IneligibleError{Target: target, Reason: ReasonNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}

	now := c.now().UTC()
	if err := checkRegistration(info, now); err != nil {
		return nil, err
	}
	if info.Price > 0 && !c.AcceptsCurrency(info.Currency) {
		return nil, &IneligibleError{Target: target, Reason: ReasonCurrency}
	}
	if err := c.checkAudience(ctx, actor, info); err != nil {
		return nil, err
	}

	var (
		init *Initiation
		in   Intent
	)
	err = c.store.WithEnrollmentTx(ctx, func(tx Tx) error {
		if err := checkNotEnrolled(ctx, tx, actor, target); err != nil {
			return err
		}
		if open, err := tx.OpenIntent(ctx, actor, target); err == nil {
			return &DuplicateIntentError{Existing: open.ID, State: open.State}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := checkCapacity(ctx, tx, info); err != nil {
			return err
		}

		in = Intent{
			ID:             IntentID(uuid.NewString()),
			Actor:          actor,
			Target:         target,
			OrganizationID: info.OrganizationID,
			AmountDue:      info.Price,
			Currency:       info.Currency,
			State:          StateCreated,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateIntent(ctx, in); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &DuplicateIntentError{State: StateCreated}
			}
			return fmt.Errorf("failed to create intent: %w", err)
		}

		init = &Initiation{IntentID: in.ID, Amount: in.AmountDue, Currency: in.Currency, Reference: in.Reference()}
		if info.Price > 0 {
			return nil
		}

		enr, err := c.confirmTx(ctx, tx, in, "", SourceFree)
		if err != nil {
			return err
		}
		init.Free = true
		init.Enrollment = enr
		return nil
	})
	if err != nil {
		return nil, err
	}

	if init.Free {
		observability.IntentTransitions.WithLabelValues(string(StateCreated), string(StateConfirmed)).Inc()
		c.logger.InfoContext(ctx, "free enrollment confirmed",
			"intent", in.ID, "actor", actor, "target", target.String(), "enrollment", init.Enrollment.ID)
		c.notifySync(ctx, init.Enrollment)
		return init, nil
	}

	c.logger.InfoContext(ctx, "intent created",
		"intent", in.ID, "actor", actor, "target", target.String(), "amount", in.AmountDue, "currency", in.Currency)
	return init, nil
}

// Currency returns the platform currency.
func (c *Coordinator) Currency() string { return c.cfg.Currency }

// AcceptsCurrency reports whether a paid target may be priced in currency.
func (c *Coordinator) AcceptsCurrency(currency string) bool {
	return strings.EqualFold(currency, c.cfg.Currency)
}

func checkRegistration(info TargetInfo, now time.Time) error {
	if !info.RegistrationOpen {
		return &IneligibleError{Target: info.Target, Reason: ReasonRegistrationClosed}
	}
	if info.RegistrationDeadline != nil && now.After(*info.RegistrationDeadline) {
		return &IneligibleError{Target: info.Target, Reason: ReasonDeadlinePassed}
	}
	return nil
}

// checkAudience enforces who may enroll. Organization-owned targets need an
// active membership unless open to anyone; course_students additionally
// need an active enrollment in the parent course. Buying a membership is
// only refused to current members.
func (c *Coordinator) checkAudience(ctx context.Context, actor ledger.ActorID, info TargetInfo) error {
	if info.Target.Kind == TargetMembership {
		member, err := c.catalog.MembershipActive(ctx, actor, info.Target.ID)
		if err != nil {
			return fmt.Errorf("failed to check membership: %w", err)
		}
		if member {
			return &IneligibleError{Target: info.Target, Reason: ReasonAlreadyEnrolled}
		}
		return nil
	}

	if info.Audience == AudienceAnyone || info.Audience == "" {
		return nil
	}
	if info.OrganizationID != "" {
		member, err := c.catalog.MembershipActive(ctx, actor, info.OrganizationID)
		if err != nil {
			return fmt.Errorf("failed to check membership: %w", err)
		}
		if !member {
			return &IneligibleError{Target: info.Target, Reason: ReasonMembershipRequired}
		}
	}
	if info.Audience == AudienceCourseStudents {
		course := Target{Kind: TargetCourse, ID: info.CourseID}
		_, err := c.store.ActiveEnrollment(ctx, actor, course)
		if errors.Is(err, store.ErrNotFound) {
			return &IneligibleError{Target: info.Target, Reason: ReasonCourseRequired}
		}
		if err != nil {
			return fmt.Errorf("failed to check course enrollment: %w", err)
		}
	}
	return nil
}

func checkNotEnrolled(ctx context.Context, tx Tx, actor ledger.ActorID, target Target) error {
	_, err := tx.ActiveEnrollment(ctx, actor, target)
	if err == nil {
		return &IneligibleError{Target: target, Reason: ReasonAlreadyEnrolled}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// checkCapacity counts open intents as held seats so a full event cannot be
// oversold by concurrent checkouts.
func checkCapacity(ctx context.Context, tx Tx, info TargetInfo) error {
	if info.Capacity == nil {
		return nil
	}
	active, err := tx.CountActiveEnrollments(ctx, info.Target)
	if err != nil {
		return err
	}
	open, err := tx.CountOpenIntents(ctx, info.Target)
	if err != nil {
		return err
	}
	if active+open >= *info.Capacity {
		return &IneligibleError{Target: info.Target, Reason: ReasonFull}
	}
	return nil
}

// =============================================================================
// GATEWAY ROUND TRIP
// =============================================================================

// Checkout opens an intent and starts the gateway charge. If the gateway
// refuses, the intent is failed with the gateway's reason.
func (c *Coordinator) Checkout(ctx context.Context, actor ledger.ActorID, target Target, email string) (*Initiation, error) {
	init, err := c.BeginEnrollment(ctx, actor, target)
	if err != nil || init.Free {
		return init, err
	}

	rec, err := c.gateway.InitiateCharge(ctx, gateway.Charge{
		Amount:    init.Amount,
		Currency:  init.Currency,
		Reference: init.Reference,
		Email:     email,
	})
	if err != nil {
		if ferr := c.FailPayment(ctx, init.IntentID, "gateway: "+err.Error()); ferr != nil {
			c.logger.ErrorContext(ctx, "failed to fail intent after gateway error",
				"intent", init.IntentID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}

	// The callback may already have confirmed the intent.
	if err := c.MarkPaymentPending(ctx, init.IntentID, rec.GatewayID); err != nil && !errors.Is(err, ErrTerminalState) {
		return nil, err
	}
	init.GatewayID = rec.GatewayID
	init.AuthorizationURL = rec.AuthorizationURL
	return init, nil
}

// MarkPaymentPending records that the gateway accepted the charge.
// Idempotent in payment_pending.
func (c *Coordinator) MarkPaymentPending(ctx context.Context, id IntentID, gatewayID string) error {
	return c.transition(ctx, id, func(in *Intent) (bool, error) {
		switch in.State {
		case StatePaymentPending:
			return false, nil
		case StateCreated:
			in.State = StatePaymentPending
			in.GatewayID = gatewayID
			return true, nil
		default:
			return false, &TerminalStateError{IntentID: id, State: in.State}
		}
	})
}

// FailPayment moves an open intent to failed. Repeated failures and failures
// after expiry are no-ops; a failure after confirmation is refused.
func (c *Coordinator) FailPayment(ctx context.Context, id IntentID, reason string) error {
	return c.transition(ctx, id, func(in *Intent) (bool, error) {
		switch in.State {
		case StateFailed, StateExpired:
			return false, nil
		case StateConfirmed:
			return false, &AlreadyConfirmedError{IntentID: id}
		default:
			in.State = StateFailed
			in.FailureReason = reason
			return true, nil
		}
	})
}

// transition runs a CAS update of one intent. decide mutates the intent and
// reports whether to write it.
func (c *Coordinator) transition(ctx context.Context, id IntentID, decide func(*Intent) (bool, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var from, to IntentState
		err := c.store.WithEnrollmentTx(ctx, func(tx Tx) error {
			in, err := tx.Intent(ctx, id)
			if err != nil {
				return err
			}
			from = in.State
			write, err := decide(&in)
			if err != nil || !write {
				return err
			}
			to = in.State
			in.UpdatedAt = c.now().UTC()
			ok, err := tx.UpdateIntent(ctx, in, from)
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrConcurrentModification
			}
			return nil
		})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return err
		}
		if to != "" {
			observability.IntentTransitions.WithLabelValues(string(from), string(to)).Inc()
			c.logger.InfoContext(ctx, "intent transition", "intent", id, "from", from, "to", to)
		}
		return nil
	}
	return fmt.Errorf("intent %s: %w", id, store.ErrConcurrentModification)
}

// =============================================================================
// CONFIRM
// =============================================================================

// ConfirmPayment applies a successful payment. In one transaction it writes
// the ledger entries (debit the payer, credit the organization, credit the
// platform commission), the enrollment and the membership sync job. Sync
// runs after commit.
//
// A repeated confirmation returns the existing enrollment together with
// *AlreadyConfirmedError. A confirmation for an expired or failed intent
// records a ReconciliationCase and returns *AlreadyExpiredError or
// *TerminalStateError.
func (c *Coordinator) ConfirmPayment(ctx context.Context, id IntentID, gatewayReference string) (*Enrollment, error) {
	started := time.Now()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			enr     *Enrollment
			outcome error
			in      Intent
			rc      *ReconciliationCase
		)
		err := c.store.WithEnrollmentTx(ctx, func(tx Tx) error {
			var err error
			if in, err = tx.Intent(ctx, id); err != nil {
				return err
			}
			switch in.State {
			case StateConfirmed:
				e, err := confirmedEnrollment(ctx, tx, in)
				if err != nil {
					return err
				}
				enr = e
				outcome = &AlreadyConfirmedError{IntentID: id, EnrollmentID: e.ID}
				return nil
			case StateExpired, StateFailed:
				rc = c.reconciliationCase(in, gatewayReference,
					fmt.Sprintf("payment confirmed after intent became %s", in.State))
				if in.State == StateExpired {
					outcome = &AlreadyExpiredError{IntentID: id, GatewayReference: gatewayReference, ExpiredAt: in.UpdatedAt}
				} else {
					outcome = &TerminalStateError{IntentID: id, State: in.State}
				}
				return tx.InsertReconciliationCase(ctx, *rc)
			}
			enr, err = c.confirmTx(ctx, tx, in, gatewayReference, SourcePurchase)
			return err
		})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if errors.Is(err, ErrLedgerPosting) {
			return nil, c.recordPostingFailure(ctx, in, gatewayReference, err)
		}
		if err != nil {
			return nil, err
		}

		if rc != nil {
			c.reportLateMoney(ctx, in, *rc)
			return nil, outcome
		}
		if outcome != nil {
			c.logger.InfoContext(ctx, "duplicate confirmation ignored", "intent", id, "enrollment", enr.ID)
			return enr, outcome
		}

		observability.ConfirmDuration.Observe(time.Since(started).Seconds())
		observability.IntentTransitions.WithLabelValues(string(in.State), string(StateConfirmed)).Inc()
		c.logger.InfoContext(ctx, "payment confirmed",
			"intent", id, "actor", in.Actor, "target", in.Target.String(),
			"amount", in.AmountDue, "gateway_reference", gatewayReference, "enrollment", enr.ID)
		c.notifySync(ctx, enr)
		return enr, nil
	}
	return nil, fmt.Errorf("intent %s: %w", id, store.ErrConcurrentModification)
}

// confirmTx moves in to confirmed and writes everything that goes with it.
// in must be the row as read inside tx.
func (c *Coordinator) confirmTx(ctx context.Context, tx Tx, in Intent, gatewayReference string, source Source) (*Enrollment, error) {
	now := c.now().UTC()
	from := in.State

	in.State = StateConfirmed
	in.GatewayReference = gatewayReference
	in.UpdatedAt = now
	ok, err := tx.UpdateIntent(ctx, in, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrConcurrentModification
	}

	if in.AmountDue > 0 {
		if err := c.postCharge(ctx, tx.Ledger(), in); err != nil {
			return nil, err
		}
	}

	enr := Enrollment{
		ID:          EnrollmentID(uuid.NewString()),
		Actor:       in.Actor,
		Target:      in.Target,
		IntentID:    in.ID,
		Source:      source,
		ActivatedAt: now,
	}
	if err := tx.CreateEnrollment(ctx, enr); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to create enrollment: %w", err)
		}
		// Granted meanwhile by membership sync. The purchase still stands.
		existing, err := tx.ActiveEnrollment(ctx, in.Actor, in.Target)
		if err != nil {
			return nil, err
		}
		c.logger.WarnContext(ctx, "paid for an existing enrollment",
			"intent", in.ID, "enrollment", existing.ID, "source", existing.Source)
		enr = existing
	}

	job := SyncJob{
		ID:            uuid.NewString(),
		Actor:         in.Actor,
		Target:        in.Target,
		Status:        SyncPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.EnqueueSync(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue membership sync: %w", err)
	}
	return &enr, nil
}

// postCharge writes the three legs of a paid enrollment. The commission is
// floored so organization and platform shares always add up to the charge.
func (c *Coordinator) postCharge(ctx context.Context, ls ledger.Store, in Intent) error {
	commission, orgShare := ledger.Split(in.AmountDue, c.cfg.CommissionRate)
	payee := c.cfg.PlatformActor
	if in.OrganizationID != "" {
		payee = ledger.OrgActor(in.OrganizationID)
	}

	ref := string(in.ID)
	legs := []ledger.EntryRequest{
		{Actor: in.Actor, Amount: in.AmountDue, Kind: ledger.KindDebit, Reason: "enrollment in " + in.Target.String()},
		{Actor: payee, Amount: orgShare, Kind: ledger.KindCredit, Reason: "sale of " + in.Target.String()},
		{Actor: c.cfg.PlatformActor, Amount: commission, Kind: ledger.KindCredit, Reason: "platform commission"},
	}
	for i, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		leg.Currency = in.Currency
		leg.Reference = ref
		leg.IdempotencyKey = fmt.Sprintf("intent:%s:%d", in.ID, i)
		if _, err := c.ledger.AppendTx(ctx, ls, leg); err != nil {
			return fmt.Errorf("%w: %s leg for %s: %w", ErrLedgerPosting, leg.Kind, leg.Actor, err)
		}
	}
	return nil
}

func confirmedEnrollment(ctx context.Context, tx Tx, in Intent) (*Enrollment, error) {
	e, err := tx.EnrollmentByIntent(ctx, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		e, err = tx.ActiveEnrollment(ctx, in.Actor, in.Target)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment of confirmed intent %s: %w", in.ID, err)
	}
	return &e, nil
}

func (c *Coordinator) reconciliationCase(in Intent, gatewayReference, detail string) *ReconciliationCase {
	return &ReconciliationCase{
		ID:               uuid.NewString(),
		IntentID:         in.ID,
		Actor:            in.Actor,
		GatewayReference: gatewayReference,
		State:            in.State,
		Detail:           detail,
		CreatedAt:        c.now().UTC(),
	}
}

// recordPostingFailure persists a case for a payment whose ledger legs were
// refused. The confirmation transaction has already rolled back, so the case
// is written on its own.
func (c *Coordinator) recordPostingFailure(ctx context.Context, in Intent, gatewayReference string, cause error) error {
	rc := c.reconciliationCase(in, gatewayReference, cause.Error())
	if err := c.store.InsertReconciliationCase(ctx, *rc); err != nil {
		c.logger.ErrorContext(ctx, "failed to record reconciliation case",
			"intent", in.ID, "gateway_reference", gatewayReference, "cause", cause, "error", err)
		return errors.Join(cause, err)
	}
	c.reportLateMoney(ctx, in, *rc)
	return cause
}

func (c *Coordinator) reportLateMoney(ctx context.Context, in Intent, rc ReconciliationCase) {
	observability.ReconciliationCases.WithLabelValues(string(in.State)).Inc()
	c.logger.ErrorContext(ctx, "payment received for terminal intent, manual reconciliation required",
		"intent", in.ID,
		"state", in.State,
		"actor", in.Actor,
		"target", in.Target.String(),
		"amount", in.AmountDue,
		"currency", in.Currency,
		"gateway_reference", rc.GatewayReference,
		"intent_created_at", in.CreatedAt,
		"state_changed_at", in.UpdatedAt,
		"case", rc.ID,
	)
}

func (c *Coordinator) notifySync(ctx context.Context, e *Enrollment) {
	if c.sync == nil || e == nil {
		return
	}
	if err := c.sync.OnEnrollmentConfirmed(ctx, e.Actor, e.Target); err != nil {
		c.logger.WarnContext(ctx, "membership sync deferred to retry",
			"enrollment", e.ID, "actor", e.Actor, "target", e.Target.String(), "error", err)
	}
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpireStaleIntents expires every open intent created before cutoff. Each
// intent is its own compare-and-swap, so a confirmation that commits first
// wins and the intent is skipped. Returns how many were expired.
func (c *Coordinator) ExpireStaleIntents(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := c.store.StaleIntents(ctx, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list stale intents: %w", err)
	}

	expired := 0
	for _, s := range stale {
		changed := false
		err := c.transition(ctx, s.ID, func(in *Intent) (bool, error) {
			if in.State.Terminal() {
				return false, nil
			}
			in.State = StateExpired
			changed = true
			return true, nil
		})
		if err != nil {
			return expired, fmt.Errorf("failed to expire intent %s: %w", s.ID, err)
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		c.logger.InfoContext(ctx, "stale intents expired", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// ExpireStale expires intents older than the configured TTL.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	return c.ExpireStaleIntents(ctx, c.now().Add(-c.cfg.IntentTTL))
}

// =============================================================================
// CALLBACKS
// =============================================================================

// HandleGatewayResult routes a decoded gateway callback. Duplicate
// deliveries are absorbed here and are not errors.
func (c *Coordinator) HandleGatewayResult(ctx context.Context, res gateway.Result) error {
	observability.GatewayCallbacks.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == gateway.OutcomeIgnored {
		return nil
	}

	in, err := c.resolve(ctx, res)
	if err != nil {
		c.logger.ErrorContext(ctx, "gateway callback for unknown intent",
			"reference", res.Reference, "gateway_id", res.GatewayID, "transaction", res.TransactionRef)
		return err
	}

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		if res.Amount != 0 && (res.Amount != in.AmountDue || (res.Currency != "" && res.Currency != in.Currency)) {
			return c.recordMismatch(ctx, in, res)
		}
		_, err := c.ConfirmPayment(ctx, in.ID, res.TransactionRef)
		if errors.Is(err, ErrAlreadyConfirmed) {
			return nil
		}
		return err

	case gateway.OutcomeFailed:
		err := c.FailPayment(ctx, in.ID, res.Reason)
		if errors.Is(err, ErrAlreadyConfirmed) {
			c.logger.WarnContext(ctx, "failure callback after confirmation ignored", "intent", in.ID)
			return nil
		}
		return err
	}
	return nil
}

// VerifyPayment pulls the charge state from the gateway for an open intent
// and applies it through HandleGatewayResult. It recovers payments whose
// webhook never arrived. Intents already in a terminal state are returned
// unchanged.
func (c *Coordinator) VerifyPayment(ctx context.Context, id IntentID) (Intent, error) {
	in, err := c.store.Intent(ctx, id)
	if err != nil {
		return Intent{}, err
	}
	if in.State.Terminal() || in.AmountDue == 0 {
		return in, nil
	}

	res, err := c.gateway.VerifyCharge(ctx, in.Reference())
	if err != nil {
		return in, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}
	res.Reference = in.Reference()
	if res.TransactionRef == "" {
		res.TransactionRef = in.GatewayID
	}
	c.logger.InfoContext(ctx, "payment verified with gateway", "intent", id, "outcome", res.Outcome)
	if err := c.HandleGatewayResult(ctx, res); err != nil {
		return in, err
	}
	return c.store.Intent(ctx, id)
}

func (c *Coordinator) resolve(ctx context.Context, res gateway.Result) (Intent, error) {
	if res.Reference != "" {
		in, err := c.store.Intent(ctx, IntentID(res.Reference))
		if err == nil || !errors.Is(err, store.ErrNotFound) || res.GatewayID == "" {
			return in, err
		}
	}
	return c.store.IntentByGatewayID(ctx, res.GatewayID)
}

func (c *Coordinator) recordMismatch(ctx context.Context, in Intent, res gateway.Result) error {
	rc := c.reconciliationCase(in, res.TransactionRef,
		fmt.Sprintf("paid %d %s, due %d %s", res.Amount, res.Currency, in.AmountDue, in.Currency))
	if err := c.store.InsertReconciliationCase(ctx, *rc); err != nil {
		return err
	}
	c.reportLateMoney(ctx, in, *rc)
	return fmt.Errorf("%w: intent %s", ErrAmountMismatch, in.ID)
}

// =============================================================================
// REVOCATION
// =============================================================================

// RevokeEnrollment soft-revokes an enrollment. With refund, every ledger
// entry written for its intent is reversed in the same transaction.
// Revoking a revoked enrollment is a no-op.
func (c *Coordinator) RevokeEnrollment(ctx context.Context, id EnrollmentID, reason string, refund bool) error {
	reversed := 0
	err := c.store.WithEnrollmentTx(ctx, func(tx Tx) error {
		e, err := tx.Enrollment(ctx, id)
		if err != nil {
			return err
		}
		if !e.Active() {
			return nil
		}
		if err := tx.RevokeEnrollment(ctx, id, reason, c.now().UTC()); err != nil {
			return err
		}
		if !refund || e.IntentID == "" {
			return nil
		}

		entries, err := tx.Ledger().EntriesByReference(ctx, string(e.IntentID))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Reverses != "" {
				continue
			}
			_, err := c.ledger.ReverseTx(ctx, tx.Ledger(), entry.ID, "refund: "+reason)
			if errors.Is(err, ledger.ErrAlreadyReversed) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to refund entry %s: %w", entry.ID, err)
			}
			reversed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "enrollment revoked", "enrollment", id, "reason", reason, "reversed_entries", reversed)
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (c *Coordinator) Intent(ctx context.Context, id IntentID) (Intent, error) {
	return c.store.Intent(ctx, id)
}

func (c *Coordinator) Enrollment(ctx context.Context, id EnrollmentID) (Enrollment, error) {
	return c.store.Enrollment(ctx, id)
}

func (c *Coordinator) Enrollments(ctx context.Context, actor ledger.ActorID) ([]Enrollment, error) {
	return c.store.EnrollmentsByActor(ctx, actor)
}

func (c *Coordinator) ReconciliationCases(ctx context.Context) ([]ReconciliationCase, error) {
	return c.store.ReconciliationCases(ctx)
}
