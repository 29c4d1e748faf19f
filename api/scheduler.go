/*
scheduler.go - Background job scheduler

PURPOSE:
  Runs the periodic maintenance jobs on cron schedules:

    expire-intents   Moves open intents past their TTL to expired
    materialize      Extends every live series up to its horizon
    retry-sync       Re-runs membership sync jobs that failed earlier
    reconcile        Compares materialized balances with ledger entries

DESIGN:
  - robfig/cron with the standard parser, so specs are five-field cron
    expressions or descriptors such as "@every 10m" and "@hourly"
  - An empty spec disables the job
  - A job that is still running when its next tick fires is skipped
  - Job errors are logged and counted; they never stop the scheduler

USAGE:
  s, err := NewScheduler(jobs, cfg.Schedule, logger)
  s.Start()
  defer s.Stop(ctx)

SEE ALSO:
  - handlers.go: ReconcileLedger (manual reconciliation)
  - config/config.go: ScheduleConfig
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dvuka/learning-engine/config"
	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/membership"
	"github.com/dvuka/learning-engine/observability"
	"github.com/dvuka/learning-engine/recurrence"
)

// jobTimeout bounds a single job run.
const jobTimeout = 5 * time.Minute

// Jobs are the services the scheduled jobs call into.
type Jobs struct {
	Coordinator *enrollment.Coordinator
	Engine      *recurrence.Engine
	Syncer      *membership.Syncer
	Ledger      *ledger.Ledger

	// RetryAfter is the minimum age of a sync job before the sweep picks it up.
	RetryAfter time.Duration
}

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers every job whose spec is non-empty.
func NewScheduler(jobs Jobs, specs config.ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	logger = observability.Component(logger, "scheduler")
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger: logger,
	}

	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"expire-intents", specs.ExpireIntents, jobs.expireIntents},
		{"materialize", specs.Materialize, jobs.materialize},
		{"retry-sync", specs.RetrySync, jobs.retrySync},
		{"reconcile", specs.Reconcile, jobs.reconcile},
	}
	for _, e := range entries {
		if e.spec == "" {
			logger.Info("job disabled", "job", e.name)
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, s.wrap(e.name, e.run)); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", e.spec, e.name, err)
		}
		logger.Info("job scheduled", "job", e.name, "spec", e.spec)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "error", ctx.Err())
	}
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		err := run(ctx)
		observability.JobRuns.WithLabelValues(name, outcome(err)).Inc()
		if err != nil {
			s.logger.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// =============================================================================
// JOBS
// =============================================================================

func (j Jobs) expireIntents(ctx context.Context) error {
	_, err := j.Coordinator.ExpireStale(ctx)
	return err
}

func (j Jobs) materialize(ctx context.Context) error {
	_, err := j.Engine.MaterializeHorizon(ctx)
	return err
}

func (j Jobs) retrySync(ctx context.Context) error {
	_, err := j.Syncer.RetryPending(ctx, j.RetryAfter)
	return err
}

// reconcile fails when any wallet drifted, so drift shows up in the job
// error log and metrics. Each drift is already logged by the ledger.
func (j Jobs) reconcile(ctx context.Context) error {
	drifted, err := j.Ledger.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(drifted) > 0 {
		return fmt.Errorf("%d wallet(s) drifted: %w", len(drifted), ledger.ErrBalanceDrift)
	}
	return nil
}

// =============================================================================
// LOGGING
// =============================================================================

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
