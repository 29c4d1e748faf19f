package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/recurrence"
	"github.com/dvuka/learning-engine/store"
	"github.com/dvuka/learning-engine/store/sqlite"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:", sqlite.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intent(id string, actor ledger.ActorID, target enrollment.Target) enrollment.Intent {
	return enrollment.Intent{
		ID: enrollment.IntentID(id), Actor: actor, Target: target, OrganizationID: "org1",
		AmountDue: 1000, Currency: "KES", State: enrollment.StateCreated, Version: 1,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

// =============================================================================
// INTENTS
// =============================================================================

func TestIntents_OneOpenIntentPerActorAndTarget(t *testing.T) {
	// GIVEN: an open intent for user a on course c1
	// WHEN: a second open intent is inserted for the same pair
	// THEN: the partial unique index rejects it, until the first one is terminal
	ctx := context.Background()
	s := newStore(t)
	course := enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"}
	a := ledger.UserActor("a")

	first := intent("i1", a, course)
	require.NoError(t, s.CreateIntent(ctx, first))

	err := s.CreateIntent(ctx, intent("i2", a, course))
	assert.ErrorIs(t, err, store.ErrConflict)

	first.State = enrollment.StateFailed
	ok, err := s.UpdateIntent(ctx, first, enrollment.StateCreated)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, s.CreateIntent(ctx, intent("i3", a, course)))
}

func TestIntents_UpdateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	in := intent("i1", ledger.UserActor("a"), enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"})
	require.NoError(t, s.CreateIntent(ctx, in))

	pending := in
	pending.State = enrollment.StatePaymentPending
	pending.GatewayID = "gw-1"
	ok, err := s.UpdateIntent(ctx, pending, enrollment.StateCreated)
	require.NoError(t, err)
	require.True(t, ok)

	// Same stale version again: loses
	expired := in
	expired.State = enrollment.StateExpired
	ok, err = s.UpdateIntent(ctx, expired, enrollment.StateCreated, enrollment.StatePaymentPending)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Intent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, enrollment.StatePaymentPending, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "gw-1", got.GatewayID)

	byGW, err := s.IntentByGatewayID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byGW.ID)
}

func TestIntents_Stale(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	old := intent("old", ledger.UserActor("a"), enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"})
	fresh := intent("fresh", ledger.UserActor("b"), enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"})
	fresh.CreatedAt = t0.Add(2 * time.Hour)
	require.NoError(t, s.CreateIntent(ctx, old))
	require.NoError(t, s.CreateIntent(ctx, fresh))

	stale, err := s.StaleIntents(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, enrollment.IntentID("old"), stale[0].ID)
	assert.True(t, stale[0].CreatedAt.Equal(t0))

	n, err := s.CountOpenIntents(ctx, enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =============================================================================
// ENROLLMENTS & CATALOG
// =============================================================================

func TestEnrollments_EnsureIsGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := enrollment.Enrollment{
		ID: "e1", Actor: ledger.UserActor("a"),
		Target: enrollment.Target{Kind: enrollment.TargetEvent, ID: "ev1"},
		Source: enrollment.SourceMembershipSync, ActivatedAt: t0,
	}

	created, err := s.EnsureEnrollment(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	e.ID = "e2"
	created, err = s.EnsureEnrollment(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)

	assert.ErrorIs(t, s.CreateEnrollment(ctx, e), store.ErrConflict)

	require.NoError(t, s.RevokeEnrollment(ctx, "e1", "refund", t0))
	_, err = s.ActiveEnrollment(ctx, e.Actor, e.Target)
	assert.ErrorIs(t, err, store.ErrNotFound)

	created, err = s.EnsureEnrollment(ctx, e)
	require.NoError(t, err)
	assert.True(t, created, "revoked enrollment no longer blocks a new one")

	all, err := s.EnrollmentsByActor(ctx, e.Actor)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Active())
	assert.Equal(t, "refund", all[0].RevokeReason)
}

func TestCatalog_MembershipActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := ledger.UserActor("a")

	active, err := s.MembershipActive(ctx, a, "org1")
	require.NoError(t, err)
	assert.False(t, active)

	expired := t0.Add(-time.Hour)
	require.NoError(t, s.SaveMembership(ctx, a, "org1", "active", &expired))
	active, err = s.MembershipActive(ctx, a, "org1")
	require.NoError(t, err)
	assert.False(t, active, "expired membership")

	require.NoError(t, s.SaveMembership(ctx, a, "org1", "active", nil))
	active, err = s.MembershipActive(ctx, a, "org1")
	require.NoError(t, err)
	assert.True(t, active)

	// A purchased membership counts too
	b := ledger.UserActor("b")
	require.NoError(t, s.CreateEnrollment(ctx, enrollment.Enrollment{
		ID: "m1", Actor: b, Target: enrollment.Target{Kind: enrollment.TargetMembership, ID: "org1"},
		Source: enrollment.SourcePurchase, ActivatedAt: t0,
	}))
	active, err = s.MembershipActive(ctx, b, "org1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCatalog_TargetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	capacity := 30
	deadline := t0.Add(72 * time.Hour)
	info := enrollment.TargetInfo{
		Target:               enrollment.Target{Kind: enrollment.TargetEvent, ID: "ev1"},
		OrganizationID:       "org1",
		Title:                "Live revision",
		Price:                500,
		Currency:             "KES",
		Capacity:             &capacity,
		RegistrationOpen:     true,
		RegistrationDeadline: &deadline,
		Audience:             enrollment.AudienceCourseStudents,
		CourseID:             "c1",
	}
	require.NoError(t, s.SaveTarget(ctx, info, nil))

	got, err := s.Target(ctx, info.Target)
	require.NoError(t, err)
	require.NotNil(t, got.Capacity)
	assert.Equal(t, 30, *got.Capacity)
	assert.True(t, got.RegistrationDeadline.Equal(deadline))
	assert.Equal(t, enrollment.AudienceCourseStudents, got.Audience)
	assert.Equal(t, "c1", got.CourseID)
	assert.True(t, got.RegistrationOpen)

	_, err = s.Target(ctx, enrollment.Target{Kind: enrollment.TargetCourse, ID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLinker_MembershipLinksOrgCoursesAndUpcomingEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	past := t0.Add(-24 * time.Hour)
	future := t0.Add(24 * time.Hour)

	course := enrollment.Target{Kind: enrollment.TargetCourse, ID: "c1"}
	oldEvent := enrollment.Target{Kind: enrollment.TargetEvent, ID: "ev-old"}
	newEvent := enrollment.Target{Kind: enrollment.TargetEvent, ID: "ev-new"}
	other := enrollment.Target{Kind: enrollment.TargetCourse, ID: "c-other"}

	require.NoError(t, s.SaveTarget(ctx, enrollment.TargetInfo{Target: course, OrganizationID: "org1"}, nil))
	require.NoError(t, s.SaveTarget(ctx, enrollment.TargetInfo{Target: oldEvent, OrganizationID: "org1"}, &past))
	require.NoError(t, s.SaveTarget(ctx, enrollment.TargetInfo{Target: newEvent, OrganizationID: "org1"}, &future))
	require.NoError(t, s.SaveTarget(ctx, enrollment.TargetInfo{Target: other, OrganizationID: "org2"}, nil))

	linked, err := s.LinkedTargets(ctx, enrollment.Target{Kind: enrollment.TargetMembership, ID: "org1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []enrollment.Target{course, newEvent}, linked)

	require.NoError(t, s.LinkTargets(ctx, course, newEvent))
	require.NoError(t, s.LinkTargets(ctx, course, newEvent))
	linked, err = s.LinkedTargets(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, []enrollment.Target{newEvent}, linked)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedgerStore_ReversesIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	orig := ledger.Entry{ID: "e1", Actor: ledger.UserActor("a"), Amount: -100, Currency: "KES",
		Kind: ledger.KindDebit, Status: ledger.StatusSettled, IdempotencyKey: "k1", CreatedAt: t0}
	require.NoError(t, s.InsertEntry(ctx, orig))

	assert.ErrorIs(t, s.InsertEntry(ctx, ledger.Entry{ID: "e2", Actor: orig.Actor, Amount: -5, Currency: "KES",
		Kind: ledger.KindDebit, Status: ledger.StatusSettled, IdempotencyKey: "k1", CreatedAt: t0}),
		ledger.ErrDuplicateIdempotencyKey)

	comp := ledger.Entry{ID: "r1", Actor: orig.Actor, Amount: 100, Currency: "KES", Kind: ledger.KindCredit,
		Status: ledger.StatusReversed, Reverses: "e1", CreatedAt: t0}
	require.NoError(t, s.InsertEntry(ctx, comp))
	comp.ID = "r2"
	assert.ErrorIs(t, s.InsertEntry(ctx, comp), ledger.ErrAlreadyReversed)

	rev, err := s.ReversalOf(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryID("r1"), rev.ID)
}

func TestLedgerStore_BalanceMissingRowIsZero(t *testing.T) {
	s := newStore(t)
	b, err := s.Balance(context.Background(), ledger.UserActor("nobody"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Amount)
	assert.Equal(t, int64(0), b.EntryCount)
}

// =============================================================================
// RECURRENCE
// =============================================================================

func TestInstances_SlotUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	def := recurrence.Definition{
		ID: "d1", TargetID: "ev1", StartTime: t0, Scope: recurrence.ScopeAnyone, CreatedAt: t0,
		Rule: recurrence.Rule{Frequency: recurrence.FrequencyWeekly, Interval: 1, Weekday: time.Monday,
			Hour: 9, Duration: time.Hour},
	}
	require.NoError(t, s.CreateDefinition(ctx, def))

	in := recurrence.Instance{ID: "i1", DefinitionID: "d1", TargetID: "ev1", Start: t0, End: t0.Add(time.Hour),
		Scope: recurrence.ScopeAnyone, Status: recurrence.StatusScheduled, CreatedAt: t0}
	ok, err := s.InsertInstance(ctx, in)
	require.NoError(t, err)
	assert.True(t, ok)

	in.ID = "i2"
	ok, err = s.InsertInstance(ctx, in)
	require.NoError(t, err)
	assert.False(t, ok)

	// One-offs have no definition and never collide
	for _, id := range []recurrence.InstanceID{"o1", "o2"} {
		oneOff := in
		oneOff.ID = id
		oneOff.DefinitionID = ""
		ok, err := s.InsertInstance(ctx, oneOff)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	last, found, err := s.LastInstanceStart(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, last.Equal(t0))
}

func TestDefinitions_CancelledFromOnlyMovesEarlier(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	def := recurrence.Definition{
		ID: "d1", TargetID: "ev1", StartTime: t0, Scope: recurrence.ScopeAnyone, CreatedAt: t0,
		Rule: recurrence.Rule{Frequency: recurrence.FrequencyWeekly, Interval: 1, Weekday: time.Monday,
			Hour: 9, Duration: time.Hour, Location: "Africa/Nairobi"},
		Horizon: 14 * 24 * time.Hour,
	}
	require.NoError(t, s.CreateDefinition(ctx, def))

	require.NoError(t, s.SetCancelledFrom(ctx, "d1", t0.Add(48*time.Hour)))
	require.NoError(t, s.SetCancelledFrom(ctx, "d1", t0.Add(96*time.Hour)))

	got, err := s.Definition(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.CancelledFrom)
	assert.True(t, got.CancelledFrom.Equal(t0.Add(48*time.Hour)))
	assert.Equal(t, def.Rule, got.Rule)
	assert.Equal(t, def.Horizon, got.Horizon)

	live, err := s.Definitions(ctx, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, live)
}

// =============================================================================
// ERROR PATHS (sqlmock)
// =============================================================================

func TestMock_InsertEntryMapsConstraintErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewFromDB(db)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(errors.New("UNIQUE constraint failed: ledger_entries.reverses"))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(errors.New("UNIQUE constraint failed: ledger_entries.idempotency_key"))

	e := ledger.Entry{ID: "e1", Actor: ledger.UserActor("a"), Amount: 1, Currency: "KES",
		Kind: ledger.KindCredit, Status: ledger.StatusSettled, CreatedAt: t0}
	assert.ErrorIs(t, s.InsertEntry(context.Background(), e), ledger.ErrAlreadyReversed)
	assert.ErrorIs(t, s.InsertEntry(context.Background(), e), ledger.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_BusyDatabaseIsRetryable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewFromDB(db)

	mock.ExpectQuery("SELECT amount, currency, entry_count, version, updated_at").
		WithArgs("user:a").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})

	_, err = s.Balance(context.Background(), ledger.UserActor("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.True(t, store.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_UpdateIntentReportsLostSwap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewFromDB(db)

	mock.ExpectExec("UPDATE intents SET").
		WithArgs(enrollment.StateExpired, nil, nil, nil, sqlmock.AnyArg(), "i1", int64(3),
			enrollment.StateCreated, enrollment.StatePaymentPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdateIntent(context.Background(), enrollment.Intent{
		ID: "i1", Version: 3, State: enrollment.StateExpired, UpdatedAt: t0,
	}, enrollment.StateCreated, enrollment.StatePaymentPending)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_TxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO balances").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = s.WithLedgerTx(context.Background(), func(tx ledger.Store) error {
		require.NoError(t, tx.AddToBalance(context.Background(), ledger.UserActor("a"), "KES", 100))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMock_MissingIntentIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.NewFromDB(db)

	mock.ExpectQuery("FROM intents WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.Intent(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
