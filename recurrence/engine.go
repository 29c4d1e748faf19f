package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvuka/learning-engine/observability"
)

// Config configures the Engine.
type Config struct {
	// Horizon is how far ahead MaterializeHorizon generates sessions for
	// definitions without their own horizon.
	Horizon time.Duration

	Now         func() time.Time
	Parallelism int
	Logger      *slog.Logger
}

// Engine owns definitions and the instances generated from them.
type Engine struct {
	store  TxStore
	cfg    Config
	logger *slog.Logger
}

// NewEngine returns an Engine. Zero config values get defaults: a 30 day
// horizon, time.Now and four concurrent definitions.
func NewEngine(s TxStore, cfg Config) *Engine {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Engine{store: s, cfg: cfg, logger: observability.Component(cfg.Logger, "recurrence")}
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// CreateDefinition validates and stores a new series. Nothing is
// materialized until Materialize or MaterializeHorizon runs.
func (e *Engine) CreateDefinition(ctx context.Context, d Definition) (*Definition, error) {
	if err := d.Rule.Validate(); err != nil {
		return nil, err
	}
	if d.TargetID == "" {
		return nil, fmt.Errorf("%w: target required", ErrInvalidRule)
	}
	if d.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: start time required", ErrInvalidRule)
	}
	if d.SeriesEnd != nil && !d.SeriesEnd.After(d.StartTime) {
		return nil, fmt.Errorf("%w: series ends before it starts", ErrInvalidRule)
	}
	if d.Scope == "" {
		d.Scope = ScopeAnyone
	}

	d.ID = DefinitionID(uuid.NewString())
	d.StartTime = d.StartTime.UTC()
	d.CancelledFrom = nil
	d.CreatedAt = e.cfg.Now().UTC()

	if err := e.store.CreateDefinition(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	return &d, nil
}

// Definition loads one definition.
func (e *Engine) Definition(ctx context.Context, id DefinitionID) (Definition, error) {
	return e.store.Definition(ctx, id)
}

// =============================================================================
// MATERIALIZATION
// =============================================================================

// Materialize creates the sessions of the definition that start in
// [cursor, until), where cursor is one period after the last materialized
// session (or the first session of the series). Returns only newly created
// instances, so a repeated call with the same or an earlier until returns
// nothing.
func (e *Engine) Materialize(ctx context.Context, id DefinitionID, until time.Time) ([]Instance, error) {
	var created []Instance
	err := e.store.WithScheduleTx(ctx, func(s Store) error {
		def, err := s.Definition(ctx, id)
		if err != nil {
			return err
		}
		loc, err := def.Rule.location()
		if err != nil {
			return &InvalidRecurrenceRuleError{Rule: def.Rule, Reason: err.Error()}
		}

		cursor := def.Rule.first(def.StartTime, loc)
		last, ok, err := s.LastInstanceStart(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			if n := def.Rule.next(last, loc); n.After(cursor) {
				cursor = n
			}
		}
		if !cursor.Before(until) {
			return nil
		}

		skipped, err := s.Cancellations(ctx, id, cursor, until)
		if err != nil {
			return err
		}

		now := e.cfg.Now().UTC()
		for slot := cursor; slot.Before(until) && !def.ends(slot); slot = def.Rule.next(slot, loc) {
			if containsTime(skipped, slot) {
				continue
			}
			in := Instance{
				ID:           InstanceID(uuid.NewString()),
				DefinitionID: id,
				TargetID:     def.TargetID,
				Title:        def.Title,
				Start:        slot.UTC(),
				End:          slot.Add(def.Rule.Duration).UTC(),
				Scope:        def.Scope,
				Status:       StatusScheduled,
				CreatedAt:    now,
			}
			inserted, err := s.InsertInstance(ctx, in)
			if err != nil {
				return fmt.Errorf("failed to insert instance at %s: %w", in.Start, err)
			}
			if inserted {
				created = append(created, in)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.InstancesMaterialized.Add(float64(len(created)))
	return created, nil
}

// MaterializeHorizon extends every live definition up to now plus its
// horizon. Definitions run concurrently; a failing definition is logged and
// does not stop the others. Returns the number of instances created.
func (e *Engine) MaterializeHorizon(ctx context.Context) (int, error) {
	now := e.cfg.Now()
	defs, err := e.store.Definitions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list definitions: %w", err)
	}

	var (
		total atomic.Int64
		mu    sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, d := range defs {
		horizon := d.Horizon
		if horizon <= 0 {
			horizon = e.cfg.Horizon
		}
		id := d.ID
		g.Go(func() error {
			created, err := e.Materialize(gctx, id, now.Add(horizon))
			if err != nil {
				e.logger.ErrorContext(gctx, "materialize failed", "definition", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("definition %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			total.Add(int64(len(created)))
			return nil
		})
	}
	_ = g.Wait()

	n := int(total.Load())
	e.logger.InfoContext(ctx, "horizon materialized", "definitions", len(defs), "created", n)
	return n, errors.Join(errs...)
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelFutureInstances cancels every session of the definition starting at
// or after max(from, now) and stops the series from extending past that
// point. Past and ongoing sessions are untouched.
func (e *Engine) CancelFutureInstances(ctx context.Context, id DefinitionID, from time.Time) (int, error) {
	effective := from
	if now := e.cfg.Now(); effective.Before(now) {
		effective = now
	}
	effective = effective.UTC()

	var n int
	err := e.store.WithScheduleTx(ctx, func(s Store) error {
		if _, err := s.Definition(ctx, id); err != nil {
			return err
		}
		var err error
		if n, err = s.CancelInstancesFrom(ctx, id, effective); err != nil {
			return err
		}
		return s.SetCancelledFrom(ctx, id, effective)
	})
	if err != nil {
		return 0, err
	}

	observability.InstancesCancelled.Add(float64(n))
	e.logger.InfoContext(ctx, "series cancelled", "definition", id, "from", effective, "cancelled", n)
	return n, nil
}

// CancelOccurrence cancels the single session starting at start. The slot is
// remembered so later materialization skips it. Sessions that have already
// started are left alone, like in CancelFutureInstances.
func (e *Engine) CancelOccurrence(ctx context.Context, id DefinitionID, start time.Time) error {
	if !start.After(e.cfg.Now()) {
		return fmt.Errorf("%w: session at %s has already started", ErrInvalidInstance, start.Format(time.RFC3339))
	}
	var cancelled bool
	err := e.store.WithScheduleTx(ctx, func(s Store) error {
		def, err := s.Definition(ctx, id)
		if err != nil {
			return err
		}
		loc, err := def.Rule.location()
		if err != nil {
			return &InvalidRecurrenceRuleError{Rule: def.Rule, Reason: err.Error()}
		}
		if !def.aligned(start, loc) {
			return fmt.Errorf("%w: %s is not a session of this series", ErrInvalidInstance, start.Format(time.RFC3339))
		}
		if err := s.AddCancellation(ctx, id, start.UTC()); err != nil {
			return err
		}
		cancelled, err = s.CancelInstanceAt(ctx, id, start.UTC())
		return err
	})
	if err != nil {
		return err
	}
	if cancelled {
		observability.InstancesCancelled.Inc()
	}
	return nil
}

// aligned reports whether t is one of the sessions the rule generates.
func (d Definition) aligned(t time.Time, loc *time.Location) bool {
	first := d.Rule.first(d.StartTime, loc)
	if t.Before(first) {
		return false
	}
	local := t.In(loc)
	if !local.Equal(d.Rule.slotOn(local, loc)) || local.Weekday() != d.Rule.Weekday {
		return false
	}
	weeks := civilDays(first.In(loc), local) / 7
	return weeks%d.Rule.Interval == 0
}

func civilDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// =============================================================================
// ONE-OFF EVENTS & READS
// =============================================================================

// ScheduleOneOff stores a single session that belongs to no series.
// Materialization never touches it.
func (e *Engine) ScheduleOneOff(ctx context.Context, in Instance) (*Instance, error) {
	if in.TargetID == "" {
		return nil, fmt.Errorf("%w: target required", ErrInvalidInstance)
	}
	if in.Start.IsZero() || !in.End.After(in.Start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidInstance)
	}
	if in.Scope == "" {
		in.Scope = ScopeAnyone
	}
	in.ID = InstanceID(uuid.NewString())
	in.DefinitionID = ""
	in.Start = in.Start.UTC()
	in.End = in.End.UTC()
	in.Status = StatusScheduled
	in.CreatedAt = e.cfg.Now().UTC()

	if _, err := e.store.InsertInstance(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to save one-off instance: %w", err)
	}
	return &in, nil
}

// Instances returns the definition's instances ordered by start.
func (e *Engine) Instances(ctx context.Context, id DefinitionID) ([]Instance, error) {
	return e.store.Instances(ctx, id)
}

func containsTime(ts []time.Time, t time.Time) bool {
	for _, x := range ts {
		if x.Equal(t) {
			return true
		}
	}
	return false
}
