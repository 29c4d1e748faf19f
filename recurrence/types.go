/*
Package recurrence materializes recurring live-event sessions into concrete
event instances over a rolling horizon.

KEY CONCEPTS:
  - Rule: weekly slot (weekday, wall-clock time, duration) in an IANA zone,
    every Interval weeks
  - Definition: a rule anchored at a start time, optionally bounded by a
    series end and by cancelled_from
  - Instance: one concrete session. One-off events are instances without a
    definition.

INVARIANTS:
  1. (definition, start) is unique, so materializing twice creates nothing.
  2. Instances of one definition never overlap (duration < period).
  3. Materialization only appends; it never edits or removes instances.

WALL CLOCK:
  Steps are taken on the calendar in the rule's location, so a Monday 10:00
  session stays at 10:00 local across DST changes. The absolute gap between
  two sessions is therefore not always a multiple of 168h.
*/
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

type Frequency string

const FrequencyWeekly Frequency = "weekly"

// Rule describes when sessions happen.
type Rule struct {
	Frequency Frequency     `json:"frequency"`
	Interval  int           `json:"interval"` // weeks between sessions
	Weekday   time.Weekday  `json:"weekday"`
	Hour      int           `json:"hour"`
	Minute    int           `json:"minute"`
	Duration  time.Duration `json:"duration"`
	Location  string        `json:"location"` // IANA name, e.g. Africa/Nairobi
}

// Period is the nominal distance between sessions.
func (r Rule) Period() time.Duration {
	return time.Duration(r.Interval) * 7 * 24 * time.Hour
}

// Validate reports the first problem with the rule.
func (r Rule) Validate() error {
	bad := func(reason string) error { return &InvalidRecurrenceRuleError{Rule: r, Reason: reason} }

	if r.Frequency != FrequencyWeekly {
		return bad(fmt.Sprintf("unsupported frequency %q", r.Frequency))
	}
	if r.Interval < 1 {
		return bad("interval must be at least one week")
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return bad("weekday out of range")
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return bad("time of day out of range")
	}
	if r.Duration <= 0 {
		return bad("duration must be positive")
	}
	// A DST shift can shorten one gap by an hour.
	if r.Duration > r.Period()-time.Hour {
		return bad("duration leaves no gap between sessions")
	}
	if _, err := r.location(); err != nil {
		return bad(fmt.Sprintf("unknown location %q", r.Location))
	}
	return nil
}

func (r Rule) location() (*time.Location, error) {
	if r.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Location)
}

// slotOn returns the session start on the calendar day of t (in loc).
func (r Rule) slotOn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, r.Hour, r.Minute, 0, 0, loc)
}

// first returns the earliest rule-aligned session at or after t.
func (r Rule) first(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	shift := (int(r.Weekday) - int(local.Weekday()) + 7) % 7
	slot := r.slotOn(local.AddDate(0, 0, shift), loc)
	if slot.Before(t) {
		slot = r.slotOn(local.AddDate(0, 0, shift+7), loc)
	}
	return slot
}

// next returns the session Interval weeks after s.
func (r Rule) next(s time.Time, loc *time.Location) time.Time {
	y, m, d := s.In(loc).Date()
	return time.Date(y, m, d+7*r.Interval, r.Hour, r.Minute, 0, 0, loc)
}

// Scope is who may register for the instances.
type Scope string

const (
	ScopeAnyone         Scope = "anyone"
	ScopeOrgMembers     Scope = "org_members"
	ScopeCourseStudents Scope = "course_students"
)

type DefinitionID string

// Definition is a recurring event series.
type Definition struct {
	ID            DefinitionID
	TargetID      string // event or course the sessions belong to
	Title         string
	StartTime     time.Time
	Rule          Rule
	Horizon       time.Duration // 0 = engine default
	SeriesEnd     *time.Time
	CancelledFrom *time.Time
	Scope         Scope
	CreatedAt     time.Time
}

// ends reports whether the series produces no session at or after t.
func (d Definition) ends(t time.Time) bool {
	if d.SeriesEnd != nil && !t.Before(*d.SeriesEnd) {
		return true
	}
	return d.CancelledFrom != nil && !t.Before(*d.CancelledFrom)
}

type InstanceID string

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
)

// Instance is one concrete session.
type Instance struct {
	ID           InstanceID
	DefinitionID DefinitionID // empty for one-off events
	TargetID     string
	Title        string
	Start        time.Time
	End          time.Time
	Scope        Scope
	Status       Status
	CreatedAt    time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidRule     = errors.New("invalid recurrence rule")
	ErrInvalidInstance = errors.New("invalid event instance")
)

// InvalidRecurrenceRuleError explains a rejected rule.
type InvalidRecurrenceRuleError struct {
	Rule   Rule
	Reason string
}

func (e *InvalidRecurrenceRuleError) Error() string {
	return "invalid recurrence rule: " + e.Reason
}

func (e *InvalidRecurrenceRuleError) Unwrap() error { return ErrInvalidRule }
