package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
)

// =============================================================================
// CATALOG (enrollment.Catalog interface)
// =============================================================================

// SaveTarget creates or updates a catalog target.
func (c *conn) SaveTarget(ctx context.Context, info enrollment.TargetInfo, startsAt *time.Time) error {
	var capacity sql.NullInt64
	if info.Capacity != nil {
		capacity = sql.NullInt64{Int64: int64(*info.Capacity), Valid: true}
	}
	audience := info.Audience
	if audience == "" {
		audience = enrollment.AudienceAnyone
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO targets (kind, id, organization_id, title, price, currency, capacity,
			registration_open, registration_deadline, audience, course_id, starts_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			organization_id = excluded.organization_id,
			title = excluded.title,
			price = excluded.price,
			currency = excluded.currency,
			capacity = excluded.capacity,
			registration_open = excluded.registration_open,
			registration_deadline = excluded.registration_deadline,
			audience = excluded.audience,
			course_id = excluded.course_id,
			starts_at = excluded.starts_at
	`,
		info.Target.Kind, info.Target.ID, info.OrganizationID, info.Title, info.Price, info.Currency,
		capacity, info.RegistrationOpen, nullTime(info.RegistrationDeadline), audience,
		nullString(info.CourseID), nullTime(startsAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", mapErr(err))
	}
	return nil
}

// Target implements enrollment.Catalog.
func (c *conn) Target(ctx context.Context, t enrollment.Target) (enrollment.TargetInfo, error) {
	var (
		info     = enrollment.TargetInfo{Target: t}
		capacity sql.NullInt64
		deadline sql.NullString
		courseID sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT organization_id, title, price, currency, capacity,
			registration_open, registration_deadline, audience, course_id
		FROM targets WHERE kind = ? AND id = ?
	`, t.Kind, t.ID).Scan(
		&info.OrganizationID, &info.Title, &info.Price, &info.Currency, &capacity,
		&info.RegistrationOpen, &deadline, &info.Audience, &courseID,
	)
	if err != nil {
		return info, mapErr(err)
	}
	if capacity.Valid {
		n := int(capacity.Int64)
		info.Capacity = &n
	}
	info.RegistrationDeadline = timePtr(deadline)
	info.CourseID = courseID.String
	if t.Kind == enrollment.TargetMembership && info.OrganizationID == "" {
		info.OrganizationID = t.ID
	}
	return info, nil
}

// SaveMembership records an organization membership managed outside the
// engine (admin grants, imports).
func (c *conn) SaveMembership(ctx context.Context, actor ledger.ActorID, orgID, status string, expiresAt *time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO memberships (actor, organization_id, status, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(actor, organization_id) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at
	`, actor, orgID, status, nullTime(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", mapErr(err))
	}
	return nil
}

// MembershipActive implements enrollment.Catalog. A purchased membership is
// an active enrollment in the membership target; an administered one is a
// memberships row that has not expired.
func (c *conn) MembershipActive(ctx context.Context, actor ledger.ActorID, orgID string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM memberships
			 WHERE actor = ? AND organization_id = ? AND status = 'active'
			   AND (expires_at IS NULL OR expires_at > ?))
			+
			(SELECT COUNT(*) FROM enrollments
			 WHERE actor = ? AND target_kind = ? AND target_id = ? AND revoked_at IS NULL)
	`, actor, orgID, fmtTime(c.now()), actor, enrollment.TargetMembership, orgID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", mapErr(err))
	}
	return n > 0, nil
}

// =============================================================================
// LINKS (membership.Linker interface)
// =============================================================================

// LinkTargets records that enrolling in from also grants to.
func (c *conn) LinkTargets(ctx context.Context, from, to enrollment.Target) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO target_links (source_kind, source_id, linked_kind, linked_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, from.Kind, from.ID, to.Kind, to.ID)
	if err != nil {
		return fmt.Errorf("failed to link targets: %w", mapErr(err))
	}
	return nil
}

// LinkedTargets returns the explicit links of target. A membership target
// additionally links every course of the organization and every event that
// has not started yet.
func (c *conn) LinkedTargets(ctx context.Context, target enrollment.Target) ([]enrollment.Target, error) {
	query := `
		SELECT linked_kind, linked_id FROM target_links
		WHERE source_kind = ? AND source_id = ?
	`
	args := []any{target.Kind, target.ID}
	if target.Kind == enrollment.TargetMembership {
		query += `
		UNION
		SELECT kind, id FROM targets
		WHERE organization_id = ?
		  AND (kind = 'course' OR (kind = 'event' AND (starts_at IS NULL OR starts_at > ?)))
		`
		args = append(args, target.ID, fmtTime(c.now()))
	}
	query += ` ORDER BY 1, 2`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked targets: %w", mapErr(err))
	}
	defer rows.Close()

	var out []enrollment.Target
	for rows.Next() {
		var t enrollment.Target
		if err := rows.Scan(&t.Kind, &t.ID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
