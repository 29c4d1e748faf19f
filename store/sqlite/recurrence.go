package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dvuka/learning-engine/recurrence"
)

// =============================================================================
// DEFINITIONS (recurrence.Store interface)
// =============================================================================

const definitionColumns = `id, target_id, title, start_time, frequency, interval_weeks, weekday,
	hour, minute, duration_seconds, location, horizon_seconds, series_end, cancelled_from,
	scope, created_at`

func (c *conn) CreateDefinition(ctx context.Context, d recurrence.Definition) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO recurring_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.TargetID, d.Title, fmtTime(d.StartTime), d.Rule.Frequency, d.Rule.Interval,
		int(d.Rule.Weekday), d.Rule.Hour, d.Rule.Minute, int64(d.Rule.Duration/time.Second),
		d.Rule.Location, int64(d.Horizon/time.Second), nullTime(d.SeriesEnd), nullTime(d.CancelledFrom),
		d.Scope, fmtTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", mapErr(err))
	}
	return nil
}

func (c *conn) Definition(ctx context.Context, id recurrence.DefinitionID) (recurrence.Definition, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM recurring_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (c *conn) Definitions(ctx context.Context, t time.Time) ([]recurrence.Definition, error) {
	ts := fmtTime(t)
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM recurring_definitions
		WHERE (series_end IS NULL OR series_end > ?)
		  AND (cancelled_from IS NULL OR cancelled_from > ?)
		ORDER BY created_at ASC
	`, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", mapErr(err))
	}
	defer rows.Close()

	var defs []recurrence.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// SetCancelledFrom only ever moves the cutoff earlier.
func (c *conn) SetCancelledFrom(ctx context.Context, id recurrence.DefinitionID, from time.Time) error {
	ts := fmtTime(from)
	_, err := c.q.ExecContext(ctx, `
		UPDATE recurring_definitions SET cancelled_from = ?
		WHERE id = ? AND (cancelled_from IS NULL OR cancelled_from > ?)
	`, ts, id, ts)
	if err != nil {
		return fmt.Errorf("failed to set cancelled_from: %w", mapErr(err))
	}
	return nil
}

func scanDefinition(s scanner) (recurrence.Definition, error) {
	var (
		d                         recurrence.Definition
		startTime, createdAt      string
		weekday                   int
		durationSecs, horizonSecs int64
		seriesEnd, cancelledFrom  sql.NullString
	)
	err := s.Scan(
		&d.ID, &d.TargetID, &d.Title, &startTime, &d.Rule.Frequency, &d.Rule.Interval, &weekday,
		&d.Rule.Hour, &d.Rule.Minute, &durationSecs, &d.Rule.Location, &horizonSecs,
		&seriesEnd, &cancelledFrom, &d.Scope, &createdAt,
	)
	if err != nil {
		return d, mapErr(err)
	}
	d.StartTime = parseTime(startTime)
	d.Rule.Weekday = time.Weekday(weekday)
	d.Rule.Duration = time.Duration(durationSecs) * time.Second
	d.Horizon = time.Duration(horizonSecs) * time.Second
	d.SeriesEnd = timePtr(seriesEnd)
	d.CancelledFrom = timePtr(cancelledFrom)
	d.CreatedAt = parseTime(createdAt)
	return d, nil
}

// =============================================================================
// INSTANCES
// =============================================================================

const instanceColumns = `id, definition_id, target_id, title, start_time, end_time, scope, status, created_at`

func (c *conn) LastInstanceStart(ctx context.Context, id recurrence.DefinitionID) (time.Time, bool, error) {
	var last sql.NullString
	err := c.q.QueryRowContext(ctx, `
		SELECT MAX(start_time) FROM event_instances WHERE definition_id = ?
	`, id).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last instance: %w", mapErr(err))
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(last.String), true, nil
}

// InsertInstance skips slots that already exist, which is what makes
// materialization idempotent.
func (c *conn) InsertInstance(ctx context.Context, in recurrence.Instance) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO event_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(definition_id, start_time) DO NOTHING
	`,
		in.ID, nullString(string(in.DefinitionID)), in.TargetID, in.Title,
		fmtTime(in.Start), fmtTime(in.End), in.Scope, in.Status, fmtTime(in.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert instance: %w", mapErr(err))
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (c *conn) Instances(ctx context.Context, id recurrence.DefinitionID) ([]recurrence.Instance, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM event_instances
		WHERE definition_id = ?
		ORDER BY start_time ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", mapErr(err))
	}
	defer rows.Close()

	var out []recurrence.Instance
	for rows.Next() {
		var (
			in                    recurrence.Instance
			defID                 sql.NullString
			start, end, createdAt string
		)
		if err := rows.Scan(&in.ID, &defID, &in.TargetID, &in.Title, &start, &end,
			&in.Scope, &in.Status, &createdAt); err != nil {
			return nil, err
		}
		in.DefinitionID = recurrence.DefinitionID(defID.String)
		in.Start = parseTime(start)
		in.End = parseTime(end)
		in.CreatedAt = parseTime(createdAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (c *conn) CancelInstancesFrom(ctx context.Context, id recurrence.DefinitionID, from time.Time) (int, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE event_instances SET status = ?
		WHERE definition_id = ? AND start_time >= ? AND status = ?
	`, recurrence.StatusCancelled, id, fmtTime(from), recurrence.StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel instances: %w", mapErr(err))
	}
	n, err := rowsAffected(res)
	return int(n), err
}

func (c *conn) CancelInstanceAt(ctx context.Context, id recurrence.DefinitionID, start time.Time) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE event_instances SET status = ?
		WHERE definition_id = ? AND start_time = ? AND status = ?
	`, recurrence.StatusCancelled, id, fmtTime(start), recurrence.StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel instance: %w", mapErr(err))
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// =============================================================================
// CANCELLATION MARKERS
// =============================================================================

func (c *conn) AddCancellation(ctx context.Context, id recurrence.DefinitionID, start time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO instance_cancellations (definition_id, start_time, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, fmtTime(start), fmtTime(c.now()))
	if err != nil {
		return fmt.Errorf("failed to add cancellation: %w", mapErr(err))
	}
	return nil
}

func (c *conn) Cancellations(ctx context.Context, id recurrence.DefinitionID, from, to time.Time) ([]time.Time, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT start_time FROM instance_cancellations
		WHERE definition_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC
	`, id, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query cancellations: %w", mapErr(err))
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, parseTime(s))
	}
	return out, rows.Err()
}
