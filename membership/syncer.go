/*
Package membership propagates a confirmed enrollment to the targets linked
to it: buying a course enrolls the student in the course's live events, and
buying an organization membership enrolls the member in the organization's
courses and upcoming events.

DELIVERY:
  The enrollment coordinator writes a sync job (outbox row) in the same
  transaction as the enrollment, then calls OnEnrollmentConfirmed after
  commit. A failure here never undoes the enrollment: the job stays pending
  and RetryPending picks it up later. Every linked enrollment is a
  get-or-create, so replaying a job is harmless.
*/
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/observability"
	"github.com/dvuka/learning-engine/store"
)

// Store is what the syncer needs from persistence.
type Store interface {
	// SyncJobsFor returns pending jobs for actor and target.
	SyncJobsFor(ctx context.Context, actor ledger.ActorID, target enrollment.Target) ([]enrollment.SyncJob, error)

	// DueSyncJobs returns pending jobs created before createdBefore whose
	// next attempt is due at now, oldest first.
	DueSyncJobs(ctx context.Context, now, createdBefore time.Time, limit int) ([]enrollment.SyncJob, error)

	MarkSyncDone(ctx context.Context, id string, at time.Time) error
	MarkSyncFailed(ctx context.Context, id string, reason string, nextAttempt time.Time) error

	// EnsureEnrollment creates e unless actor already has an active
	// enrollment in e.Target. Reports whether a row was created.
	EnsureEnrollment(ctx context.Context, e enrollment.Enrollment) (bool, error)
}

// Linker resolves the targets a purchase also grants.
type Linker interface {
	LinkedTargets(ctx context.Context, target enrollment.Target) ([]enrollment.Target, error)
}

// Syncer implements enrollment.MembershipSync.
type Syncer struct {
	store      Store
	linker     Linker
	now        func() time.Time
	logger     *slog.Logger
	maxElapsed time.Duration
	retryDelay time.Duration
	batchSize  int
}

type Option func(*Syncer)

func WithClock(now func() time.Time) Option { return func(s *Syncer) { s.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(s *Syncer) { s.logger = l } }

// WithMaxElapsed bounds the in-call retry of one sync attempt.
func WithMaxElapsed(d time.Duration) Option { return func(s *Syncer) { s.maxElapsed = d } }

// WithRetryDelay sets the base delay before RetryPending picks up a failed
// job. The delay doubles with every failed attempt.
func WithRetryDelay(d time.Duration) Option { return func(s *Syncer) { s.retryDelay = d } }

// NewSyncer returns a Syncer.
func NewSyncer(s Store, l Linker, opts ...Option) *Syncer {
	sy := &Syncer{
		store:      s,
		linker:     l,
		now:        time.Now,
		maxElapsed: 5 * time.Second,
		retryDelay: time.Minute,
		batchSize:  100,
	}
	for _, opt := range opts {
		opt(sy)
	}
	sy.logger = observability.Component(sy.logger, "membership")
	return sy
}

// OnEnrollmentConfirmed processes the pending sync jobs for actor and
// target. Without a job (enrollments created outside the coordinator) the
// links are synced directly.
func (s *Syncer) OnEnrollmentConfirmed(ctx context.Context, actor ledger.ActorID, target enrollment.Target) error {
	jobs, err := s.store.SyncJobsFor(ctx, actor, target)
	if err != nil {
		return fmt.Errorf("failed to load sync jobs: %w", err)
	}
	if len(jobs) == 0 {
		_, err := s.sync(ctx, actor, target)
		return err
	}

	var errs []error
	for _, job := range jobs {
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryPending reruns pending jobs older than olderThan whose next attempt is
// due. Returns how many completed.
func (s *Syncer) RetryPending(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	jobs, err := s.store.DueSyncJobs(ctx, now.UTC(), now.Add(-olderThan).UTC(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due sync jobs: %w", err)
	}

	done := 0
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	if len(jobs) > 0 {
		s.logger.InfoContext(ctx, "sync retry sweep", "due", len(jobs), "done", done)
	}
	return done, errors.Join(errs...)
}

func (s *Syncer) run(ctx context.Context, job enrollment.SyncJob) error {
	created, err := s.sync(ctx, job.Actor, job.Target)
	if err != nil {
		next := s.now().Add(s.retryDelay << min(job.Attempts, 10)).UTC()
		if merr := s.store.MarkSyncFailed(ctx, job.ID, err.Error(), next); merr != nil {
			s.logger.ErrorContext(ctx, "failed to record sync failure", "job", job.ID, "error", merr)
		}
		observability.SyncAttempts.WithLabelValues("failed").Inc()
		s.logger.WarnContext(ctx, "membership sync failed",
			"job", job.ID, "actor", job.Actor, "target", job.Target.String(),
			"attempt", job.Attempts+1, "next_attempt", next, "error", err)
		return fmt.Errorf("sync job %s: %w", job.ID, err)
	}

	if err := s.store.MarkSyncDone(ctx, job.ID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to complete sync job %s: %w", job.ID, err)
	}
	observability.SyncAttempts.WithLabelValues("done").Inc()
	s.logger.InfoContext(ctx, "membership synced",
		"job", job.ID, "actor", job.Actor, "target", job.Target.String(), "created", created)
	return nil
}

// sync get-or-creates an enrollment in every linked target, retrying
// transient store errors with exponential backoff.
func (s *Syncer) sync(ctx context.Context, actor ledger.ActorID, target enrollment.Target) (int, error) {
	created := 0
	op := func() error {
		targets, err := s.linker.LinkedTargets(ctx, target)
		if err != nil {
			return classify(err)
		}
		for _, t := range targets {
			if t == target {
				continue
			}
			ok, err := s.store.EnsureEnrollment(ctx, enrollment.Enrollment{
				ID:          enrollment.EnrollmentID(uuid.NewString()),
				Actor:       actor,
				Target:      t,
				Source:      enrollment.SourceMembershipSync,
				ActivatedAt: s.now().UTC(),
			})
			if err != nil {
				return classify(err)
			}
			if ok {
				created++
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return created, err
	}
	return created, nil
}

func classify(err error) error {
	if store.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
