package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
)

// =============================================================================
// INTENTS (enrollment.Store interface)
// =============================================================================

const intentColumns = `id, actor, target_kind, target_id, organization_id, amount_due, currency,
	state, version, gateway_id, gateway_reference, failure_reason, created_at, updated_at`

// CreateIntent inserts a new intent. The partial unique index on open
// intents turns a racing duplicate into store.ErrConflict.
func (c *conn) CreateIntent(ctx context.Context, in enrollment.Intent) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.ID, in.Actor, in.Target.Kind, in.Target.ID, in.OrganizationID,
		in.AmountDue, in.Currency, in.State, in.Version,
		nullString(in.GatewayID), nullString(in.GatewayReference), nullString(in.FailureReason),
		fmtTime(in.CreatedAt), fmtTime(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert intent: %w", mapErr(err))
	}
	return nil
}

func (c *conn) Intent(ctx context.Context, id enrollment.IntentID) (enrollment.Intent, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	return scanIntent(row)
}

func (c *conn) IntentByGatewayID(ctx context.Context, gatewayID string) (enrollment.Intent, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE gateway_id = ?`, gatewayID)
	return scanIntent(row)
}

func (c *conn) OpenIntent(ctx context.Context, actor ledger.ActorID, target enrollment.Target) (enrollment.Intent, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE actor = ? AND target_kind = ? AND target_id = ?
		  AND state IN ('created', 'payment_pending')
	`, actor, target.Kind, target.ID)
	return scanIntent(row)
}

func (c *conn) CountOpenIntents(ctx context.Context, target enrollment.Target) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM intents
		WHERE target_kind = ? AND target_id = ? AND state IN ('created', 'payment_pending')
	`, target.Kind, target.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open intents: %w", mapErr(err))
	}
	return n, nil
}

func (c *conn) StaleIntents(ctx context.Context, cutoff time.Time) ([]enrollment.Intent, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE state IN ('created', 'payment_pending') AND created_at < ?
		ORDER BY created_at ASC
	`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale intents: %w", mapErr(err))
	}
	defer rows.Close()

	var out []enrollment.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateIntent is the compare-and-swap every transition goes through.
func (c *conn) UpdateIntent(ctx context.Context, in enrollment.Intent, from ...enrollment.IntentState) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("UpdateIntent: no source states")
	}
	args := []any{
		in.State, nullString(in.GatewayID), nullString(in.GatewayReference),
		nullString(in.FailureReason), fmtTime(in.UpdatedAt),
		in.ID, in.Version,
	}
	for _, s := range from {
		args = append(args, s)
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE intents SET
			state = ?, gateway_id = ?, gateway_reference = ?, failure_reason = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND state IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update intent: %w", mapErr(err))
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func scanIntent(s scanner) (enrollment.Intent, error) {
	var (
		in                         enrollment.Intent
		gatewayID, gatewayRef, why sql.NullString
		createdAt, updatedAt       string
	)
	err := s.Scan(
		&in.ID, &in.Actor, &in.Target.Kind, &in.Target.ID, &in.OrganizationID,
		&in.AmountDue, &in.Currency, &in.State, &in.Version,
		&gatewayID, &gatewayRef, &why, &createdAt, &updatedAt,
	)
	if err != nil {
		return in, mapErr(err)
	}
	in.GatewayID = gatewayID.String
	in.GatewayReference = gatewayRef.String
	in.FailureReason = why.String
	in.CreatedAt = parseTime(createdAt)
	in.UpdatedAt = parseTime(updatedAt)
	return in, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

const enrollmentColumns = `id, actor, target_kind, target_id, intent_id, source,
	activated_at, revoked_at, revoke_reason`

func (c *conn) CreateEnrollment(ctx context.Context, e enrollment.Enrollment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Actor, e.Target.Kind, e.Target.ID, nullString(string(e.IntentID)), e.Source,
		fmtTime(e.ActivatedAt), nullTime(e.RevokedAt), nullString(e.RevokeReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", mapErr(err))
	}
	return nil
}

// EnsureEnrollment implements membership.Store. The active-enrollment index
// makes the insert a no-op when the actor already has access.
func (c *conn) EnsureEnrollment(ctx context.Context, e enrollment.Enrollment) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT DO NOTHING
	`,
		e.ID, e.Actor, e.Target.Kind, e.Target.ID, nullString(string(e.IntentID)), e.Source,
		fmtTime(e.ActivatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to ensure enrollment: %w", mapErr(err))
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (c *conn) Enrollment(ctx context.Context, id enrollment.EnrollmentID) (enrollment.Enrollment, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	return scanEnrollment(row)
}

func (c *conn) EnrollmentByIntent(ctx context.Context, id enrollment.IntentID) (enrollment.Enrollment, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE intent_id = ?`, id)
	return scanEnrollment(row)
}

func (c *conn) ActiveEnrollment(ctx context.Context, actor ledger.ActorID, target enrollment.Target) (enrollment.Enrollment, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE actor = ? AND target_kind = ? AND target_id = ? AND revoked_at IS NULL
	`, actor, target.Kind, target.ID)
	return scanEnrollment(row)
}

func (c *conn) EnrollmentsByActor(ctx context.Context, actor ledger.ActorID) ([]enrollment.Enrollment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE actor = ?
		ORDER BY activated_at ASC, rowid ASC
	`, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", mapErr(err))
	}
	defer rows.Close()

	var out []enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) CountActiveEnrollments(ctx context.Context, target enrollment.Target) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE target_kind = ? AND target_id = ? AND revoked_at IS NULL
	`, target.Kind, target.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrollments: %w", mapErr(err))
	}
	return n, nil
}

func (c *conn) RevokeEnrollment(ctx context.Context, id enrollment.EnrollmentID, reason string, at time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE enrollments SET revoked_at = ?, revoke_reason = ?
		WHERE id = ? AND revoked_at IS NULL
	`, fmtTime(at), nullString(reason), id)
	if err != nil {
		return fmt.Errorf("failed to revoke enrollment: %w", mapErr(err))
	}
	return nil
}

func scanEnrollment(s scanner) (enrollment.Enrollment, error) {
	var (
		e                enrollment.Enrollment
		intentID, reason sql.NullString
		activatedAt      string
		revokedAt        sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.Actor, &e.Target.Kind, &e.Target.ID, &intentID, &e.Source,
		&activatedAt, &revokedAt, &reason,
	)
	if err != nil {
		return e, mapErr(err)
	}
	e.IntentID = enrollment.IntentID(intentID.String)
	e.ActivatedAt = parseTime(activatedAt)
	e.RevokedAt = timePtr(revokedAt)
	e.RevokeReason = reason.String
	return e, nil
}

// =============================================================================
// SYNC OUTBOX
// =============================================================================

const syncColumns = `id, actor, target_kind, target_id, status, attempts, last_error,
	next_attempt_at, created_at`

func (c *conn) EnqueueSync(ctx context.Context, job enrollment.SyncJob) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO sync_jobs (`+syncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Actor, job.Target.Kind, job.Target.ID, job.Status, job.Attempts,
		nullString(job.LastError), fmtTime(job.NextAttemptAt), fmtTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", mapErr(err))
	}
	return nil
}

func (c *conn) SyncJobsFor(ctx context.Context, actor ledger.ActorID, target enrollment.Target) ([]enrollment.SyncJob, error) {
	return c.querySyncJobs(ctx, `
		SELECT `+syncColumns+` FROM sync_jobs
		WHERE actor = ? AND target_kind = ? AND target_id = ? AND status = 'pending'
		ORDER BY created_at ASC
	`, actor, target.Kind, target.ID)
}

func (c *conn) DueSyncJobs(ctx context.Context, now, createdBefore time.Time, limit int) ([]enrollment.SyncJob, error) {
	return c.querySyncJobs(ctx, `
		SELECT `+syncColumns+` FROM sync_jobs
		WHERE status = 'pending' AND next_attempt_at <= ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, fmtTime(now), fmtTime(createdBefore), limit)
}

func (c *conn) MarkSyncDone(ctx context.Context, id string, at time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'done', attempts = attempts + 1, completed_at = ?, last_error = NULL
		WHERE id = ?
	`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to complete sync job: %w", mapErr(err))
	}
	return nil
}

func (c *conn) MarkSyncFailed(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE sync_jobs SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, reason, fmtTime(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", mapErr(err))
	}
	return nil
}

func (c *conn) querySyncJobs(ctx context.Context, query string, args ...any) ([]enrollment.SyncJob, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", mapErr(err))
	}
	defer rows.Close()

	var jobs []enrollment.SyncJob
	for rows.Next() {
		var (
			j                 enrollment.SyncJob
			lastError         sql.NullString
			nextAt, createdAt string
		)
		if err := rows.Scan(
			&j.ID, &j.Actor, &j.Target.Kind, &j.Target.ID, &j.Status, &j.Attempts,
			&lastError, &nextAt, &createdAt,
		); err != nil {
			return nil, err
		}
		j.LastError = lastError.String
		j.NextAttemptAt = parseTime(nextAt)
		j.CreatedAt = parseTime(createdAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// =============================================================================
// RECONCILIATION CASES
// =============================================================================

// InsertReconciliationCase records a case once per intent and gateway
// reference; webhook redeliveries do not multiply cases.
func (c *conn) InsertReconciliationCase(ctx context.Context, rc enrollment.ReconciliationCase) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reconciliation_cases (id, intent_id, actor, gateway_reference, state, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_id, gateway_reference) DO NOTHING
	`, rc.ID, rc.IntentID, rc.Actor, rc.GatewayReference, rc.State, nullString(rc.Detail), fmtTime(rc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation case: %w", mapErr(err))
	}
	return nil
}

func (c *conn) ReconciliationCases(ctx context.Context) ([]enrollment.ReconciliationCase, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, intent_id, actor, gateway_reference, state, detail, created_at
		FROM reconciliation_cases
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation cases: %w", mapErr(err))
	}
	defer rows.Close()

	var cases []enrollment.ReconciliationCase
	for rows.Next() {
		var (
			rc        enrollment.ReconciliationCase
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rc.ID, &rc.IntentID, &rc.Actor, &rc.GatewayReference, &rc.State, &detail, &createdAt); err != nil {
			return nil, err
		}
		rc.Detail = detail.String
		rc.CreatedAt = parseTime(createdAt)
		cases = append(cases, rc)
	}
	return cases, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
