package recurrence_test

import (
	"context"
	"sort"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvuka/learning-engine/recurrence"
	"github.com/dvuka/learning-engine/store"
	"github.com/dvuka/learning-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday 3 March 2025, 08:00 UTC.
var monday = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, now time.Time) (*recurrence.Engine, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return recurrence.NewEngine(s, recurrence.Config{
		Now:     func() time.Time { return now },
		Horizon: 14 * 24 * time.Hour,
	}), s
}

func weekly(weekday time.Weekday, hour int, d time.Duration) recurrence.Rule {
	return recurrence.Rule{
		Frequency: recurrence.FrequencyWeekly,
		Interval:  1,
		Weekday:   weekday,
		Hour:      hour,
		Duration:  d,
	}
}

func mondayTen(t *testing.T, e *recurrence.Engine) *recurrence.Definition {
	t.Helper()
	def, err := e.CreateDefinition(context.Background(), recurrence.Definition{
		TargetID:  "live-1",
		Title:     "Office hours",
		StartTime: monday,
		Rule:      weekly(time.Monday, 10, time.Hour),
	})
	require.NoError(t, err)
	return def
}

func starts(instances []recurrence.Instance) []time.Time {
	out := make([]time.Time, len(instances))
	for i, in := range instances {
		out[i] = in.Start
	}
	return out
}

// =============================================================================
// MATERIALIZATION
// =============================================================================

func TestMaterialize_WeeklyWindow(t *testing.T) {
	// GIVEN: a Monday 10:00 one-hour series starting this Monday
	// WHEN: three weeks are materialized
	// THEN: exactly three sessions exist, the window end is exclusive
	e, _ := newEngine(t, monday)
	ctx := context.Background()
	def := mondayTen(t, e)

	created, err := e.Materialize(ctx, def.ID, monday.Add(21*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 3)

	first := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{first, first.AddDate(0, 0, 7), first.AddDate(0, 0, 14)}, starts(created))
	for _, in := range created {
		assert.Equal(t, time.Hour, in.End.Sub(in.Start))
		assert.Equal(t, "Office hours", in.Title)
		assert.Equal(t, recurrence.ScopeAnyone, in.Scope)
		assert.Equal(t, recurrence.StatusScheduled, in.Status)
	}
}

func TestMaterialize_Idempotent(t *testing.T) {
	e, _ := newEngine(t, monday)
	ctx := context.Background()
	def := mondayTen(t, e)
	until := monday.Add(21 * 24 * time.Hour)

	_, err := e.Materialize(ctx, def.ID, until)
	require.NoError(t, err)

	again, err := e.Materialize(ctx, def.ID, until)
	require.NoError(t, err)
	assert.Empty(t, again)

	earlier, err := e.Materialize(ctx, def.ID, monday.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, earlier)

	// Extending the window only appends the new week
	more, err := e.Materialize(ctx, def.ID, until.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, time.Date(2025, time.March, 24, 10, 0, 0, 0, time.UTC), more[0].Start)

	all, err := e.Instances(ctx, def.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMaterialize_StartAfterSlotSkipsToNextWeek(t *testing.T) {
	e, _ := newEngine(t, monday)
	def, err := e.CreateDefinition(context.Background(), recurrence.Definition{
		TargetID:  "live-1",
		StartTime: monday.Add(3 * time.Hour), // 11:00, past this week's 10:00 slot
		Rule:      weekly(time.Monday, 10, time.Hour),
	})
	require.NoError(t, err)

	created, err := e.Materialize(context.Background(), def.ID, monday.Add(14*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC), created[0].Start)
}

func TestMaterialize_WallClockAcrossDST(t *testing.T) {
	// GIVEN: a 10:00 New York series spanning the March DST change
	// WHEN: materialized
	// THEN: every session is at 10:00 local, so the UTC offset moves
	e, _ := newEngine(t, monday)
	rule := weekly(time.Monday, 10, time.Hour)
	rule.Location = "America/New_York"
	def, err := e.CreateDefinition(context.Background(), recurrence.Definition{
		TargetID: "live-1", StartTime: monday, Rule: rule,
	})
	require.NoError(t, err)

	created, err := e.Materialize(context.Background(), def.ID, monday.Add(21*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 3)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	for _, in := range created {
		local := in.Start.In(ny)
		assert.Equal(t, 10, local.Hour())
		assert.Equal(t, time.Monday, local.Weekday())
	}
	assert.Equal(t, 15, created[0].Start.Hour(), "EST")
	assert.Equal(t, 14, created[1].Start.Hour(), "EDT")
}

func TestMaterialize_Interval(t *testing.T) {
	e, _ := newEngine(t, monday)
	rule := weekly(time.Wednesday, 18, 90*time.Minute)
	rule.Interval = 2
	def, err := e.CreateDefinition(context.Background(), recurrence.Definition{
		TargetID: "live-1", StartTime: monday, Rule: rule,
	})
	require.NoError(t, err)

	created, err := e.Materialize(context.Background(), def.ID, monday.Add(42*24*time.Hour))
	require.NoError(t, err)
	first := time.Date(2025, time.March, 5, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{first, first.AddDate(0, 0, 14), first.AddDate(0, 0, 28)}, starts(created))
}

func TestMaterialize_StopsAtSeriesEnd(t *testing.T) {
	e, _ := newEngine(t, monday)
	end := monday.Add(10 * 24 * time.Hour)
	def, err := e.CreateDefinition(context.Background(), recurrence.Definition{
		TargetID: "live-1", StartTime: monday, Rule: weekly(time.Monday, 10, time.Hour), SeriesEnd: &end,
	})
	require.NoError(t, err)

	created, err := e.Materialize(context.Background(), def.ID, monday.Add(60*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestMaterialize_UnknownDefinition(t *testing.T) {
	e, _ := newEngine(t, monday)
	_, err := e.Materialize(context.Background(), "missing", monday)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMaterializeHorizon(t *testing.T) {
	// GIVEN: two live series and one already cancelled
	// WHEN: the horizon job runs
	// THEN: each live series is filled two weeks ahead
	e, _ := newEngine(t, monday)
	ctx := context.Background()
	a := mondayTen(t, e)
	b, err := e.CreateDefinition(ctx, recurrence.Definition{
		TargetID: "live-2", StartTime: monday, Rule: weekly(time.Thursday, 9, time.Hour),
		Horizon: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	c := mondayTen(t, e)
	_, err = e.CancelFutureInstances(ctx, c.ID, monday)
	require.NoError(t, err)

	n, err := e.MaterializeHorizon(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ia, err := e.Instances(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, ia, 2)
	ib, err := e.Instances(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, ib, 1)
	ic, err := e.Instances(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, ic)

	n, err = e.MaterializeHorizon(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelFutureInstances(t *testing.T) {
	// GIVEN: four materialized weeks, and the clock in week two
	// WHEN: the series is cancelled from week one
	// THEN: only sessions from now on are cancelled and nothing new is generated
	ctx := context.Background()
	e, s := newEngine(t, monday)
	def := mondayTen(t, e)
	_, err := e.Materialize(ctx, def.ID, monday.Add(28*24*time.Hour))
	require.NoError(t, err)

	later := recurrence.NewEngine(s, recurrence.Config{Now: func() time.Time { return monday.Add(7 * 24 * time.Hour) }})
	n, err := later.CancelFutureInstances(ctx, def.ID, monday)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := e.Instances(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, recurrence.StatusScheduled, all[0].Status)
	for _, in := range all[1:] {
		assert.Equal(t, recurrence.StatusCancelled, in.Status)
	}

	more, err := later.Materialize(ctx, def.ID, monday.Add(90*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, more)

	got, err := e.Definition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CancelledFrom)
	assert.True(t, got.CancelledFrom.Equal(monday.Add(7*24*time.Hour)))
}

func TestCancelOccurrence(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, monday)
	def := mondayTen(t, e)
	slot1 := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
	slot3 := time.Date(2025, time.March, 24, 10, 0, 0, 0, time.UTC)

	_, err := e.Materialize(ctx, def.ID, monday.Add(14*24*time.Hour))
	require.NoError(t, err)

	// Materialized slot: flipped to cancelled
	require.NoError(t, e.CancelOccurrence(ctx, def.ID, slot1))
	// Future slot: remembered and skipped later
	require.NoError(t, e.CancelOccurrence(ctx, def.ID, slot3))

	created, err := e.Materialize(ctx, def.ID, monday.Add(35*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{slot1.AddDate(0, 0, 7), slot1.AddDate(0, 0, 21)}, starts(created))

	all, err := e.Instances(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, recurrence.StatusCancelled, all[1].Status)

	err = e.CancelOccurrence(ctx, def.ID, slot1.Add(30*time.Minute))
	assert.ErrorIs(t, err, recurrence.ErrInvalidInstance)
	err = e.CancelOccurrence(ctx, def.ID, slot1.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, recurrence.ErrInvalidInstance)
}

func TestCancelOccurrence_LeavesStartedSessionsAlone(t *testing.T) {
	// GIVEN: a series whose first two sessions are materialized
	// WHEN: it is 10:30 on the second Monday and both past and ongoing slots are cancelled
	// THEN: both are refused and stay scheduled, a later slot can still be cancelled
	ctx := context.Background()
	e, s := newEngine(t, monday)
	def := mondayTen(t, e)
	past := time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)
	ongoing := past.AddDate(0, 0, 7)
	_, err := e.Materialize(ctx, def.ID, monday.Add(14*24*time.Hour))
	require.NoError(t, err)

	later := recurrence.NewEngine(s, recurrence.Config{Now: func() time.Time { return ongoing.Add(30 * time.Minute) }})
	assert.ErrorIs(t, later.CancelOccurrence(ctx, def.ID, past), recurrence.ErrInvalidInstance)
	assert.ErrorIs(t, later.CancelOccurrence(ctx, def.ID, ongoing), recurrence.ErrInvalidInstance)

	all, err := later.Instances(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, in := range all {
		assert.Equal(t, recurrence.StatusScheduled, in.Status, in.Start)
	}

	require.NoError(t, later.CancelOccurrence(ctx, def.ID, ongoing.AddDate(0, 0, 7)))
}

// =============================================================================
// ONE-OFF & VALIDATION
// =============================================================================

func TestScheduleOneOff(t *testing.T) {
	e, _ := newEngine(t, monday)
	ctx := context.Background()

	in, err := e.ScheduleOneOff(ctx, recurrence.Instance{
		TargetID: "webinar", Title: "Launch", Start: monday, End: monday.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)
	assert.Empty(t, in.DefinitionID)
	assert.Equal(t, recurrence.StatusScheduled, in.Status)

	_, err = e.ScheduleOneOff(ctx, recurrence.Instance{TargetID: "webinar", Start: monday, End: monday})
	assert.ErrorIs(t, err, recurrence.ErrInvalidInstance)
	_, err = e.ScheduleOneOff(ctx, recurrence.Instance{Start: monday, End: monday.Add(time.Hour)})
	assert.ErrorIs(t, err, recurrence.ErrInvalidInstance)
}

func TestCreateDefinition_RejectsInvalidRules(t *testing.T) {
	e, _ := newEngine(t, monday)
	base := weekly(time.Monday, 10, time.Hour)

	tests := []struct {
		name   string
		mutate func(r *recurrence.Rule)
	}{
		{"daily frequency", func(r *recurrence.Rule) { r.Frequency = "daily" }},
		{"zero interval", func(r *recurrence.Rule) { r.Interval = 0 }},
		{"zero duration", func(r *recurrence.Rule) { r.Duration = 0 }},
		{"duration fills the week", func(r *recurrence.Rule) { r.Duration = 7 * 24 * time.Hour }},
		{"duration within DST margin", func(r *recurrence.Rule) { r.Duration = 7*24*time.Hour - 30*time.Minute }},
		{"hour out of range", func(r *recurrence.Rule) { r.Hour = 24 }},
		{"weekday out of range", func(r *recurrence.Rule) { r.Weekday = 7 }},
		{"unknown location", func(r *recurrence.Rule) { r.Location = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := base
			tt.mutate(&rule)
			_, err := e.CreateDefinition(context.Background(), recurrence.Definition{
				TargetID: "live-1", StartTime: monday, Rule: rule,
			})
			var rerr *recurrence.InvalidRecurrenceRuleError
			require.ErrorAs(t, err, &rerr)
			assert.ErrorIs(t, err, recurrence.ErrInvalidRule)
			assert.NotEmpty(t, rerr.Reason)
		})
	}

	_, err := e.CreateDefinition(context.Background(), recurrence.Definition{StartTime: monday, Rule: base})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestMaterialize_SessionsNeverOverlap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	zones := []string{"UTC", "America/New_York", "Europe/London", "Africa/Nairobi", "Australia/Sydney"}

	properties.Property("sessions are aligned, ordered and disjoint", prop.ForAll(
		func(interval, weekday, hour, zone, durPercent int) bool {
			period := time.Duration(interval) * 7 * 24 * time.Hour
			dur := time.Duration(durPercent) * (period - time.Hour) / 100
			if dur < time.Minute {
				dur = time.Minute
			}
			rule := recurrence.Rule{
				Frequency: recurrence.FrequencyWeekly,
				Interval:  interval,
				Weekday:   time.Weekday(weekday),
				Hour:      hour,
				Duration:  dur.Truncate(time.Minute),
				Location:  zones[zone],
			}

			s, err := sqlite.New(":memory:")
			if err != nil {
				return false
			}
			defer s.Close()
			e := recurrence.NewEngine(s, recurrence.Config{Now: func() time.Time { return monday }})
			ctx := context.Background()

			def, err := e.CreateDefinition(ctx, recurrence.Definition{TargetID: "p", StartTime: monday, Rule: rule})
			if err != nil {
				return false
			}
			if _, err := e.Materialize(ctx, def.ID, monday.AddDate(0, 6, 0)); err != nil {
				return false
			}
			all, err := e.Instances(ctx, def.ID)
			if err != nil || len(all) == 0 {
				return false
			}

			loc, _ := time.LoadLocation(rule.Location)
			ok := sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })
			for i, in := range all {
				local := in.Start.In(loc)
				if local.Weekday() != rule.Weekday || in.Start.Before(monday) {
					return false
				}
				if i > 0 && all[i-1].End.After(in.Start) {
					return false
				}
			}
			return ok
		},
		gen.IntRange(1, 4),
		gen.IntRange(0, 6),
		gen.IntRange(0, 23),
		gen.IntRange(0, len(zones)-1),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}
