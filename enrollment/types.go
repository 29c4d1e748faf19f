/*
Package enrollment coordinates paid and free enrollment into courses, live
events and organization memberships.

KEY CONCEPTS IN THIS FILE (types.go):
  - Target: what is being enrolled into (course, event or membership)
  - Intent: the durable record of one purchase attempt and its state
  - Enrollment: granted access, created only from a confirmed intent or by
    membership sync
  - TargetInfo: the catalog view the eligibility checks run against

INTENT LIFECYCLE:

	created ──► payment_pending ──► confirmed
	   │              │
	   │              ├──────────► failed
	   │              └──────────► expired
	   ├─────────────────────────► failed / expired
	   └─────────────────────────► confirmed   (callback outran the pending mark)

  confirmed, failed and expired are terminal. At most one non-terminal
  intent exists per (actor, target).

SEE ALSO:
  - coordinator.go: the state machine
  - store.go:       persistence interfaces
*/
package enrollment

import (
	"fmt"
	"strings"
	"time"

	"github.com/dvuka/learning-engine/ledger"
)

// =============================================================================
// TARGETS
// =============================================================================

type TargetKind string

const (
	TargetCourse     TargetKind = "course"
	TargetEvent      TargetKind = "event"
	TargetMembership TargetKind = "membership"
)

// Target identifies an enrollable item. For memberships the ID is the
// organization ID.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (t Target) String() string { return string(t.Kind) + ":" + t.ID }

// Valid reports whether the target kind is known and the ID is set.
func (t Target) Valid() bool {
	switch t.Kind {
	case TargetCourse, TargetEvent, TargetMembership:
		return t.ID != ""
	}
	return false
}

// ParseTarget parses "course:abc" style strings.
func ParseTarget(s string) (Target, error) {
	kind, id, ok := strings.Cut(s, ":")
	t := Target{Kind: TargetKind(kind), ID: id}
	if !ok || !t.Valid() {
		return Target{}, fmt.Errorf("invalid target %q", s)
	}
	return t, nil
}

// Audience restricts who may enroll into a target.
type Audience string

const (
	AudienceAnyone         Audience = "anyone"
	AudienceOrgMembers     Audience = "org_members"
	AudienceCourseStudents Audience = "course_students"
)

// TargetInfo is the catalog data for a target. It is owned by the catalog,
// the coordinator only reads it.
type TargetInfo struct {
	Target         Target
	OrganizationID string
	Title          string
	Price          int64 // minor units, 0 = free
	Currency       string
	Capacity       *int // nil = unlimited

	RegistrationOpen     bool
	RegistrationDeadline *time.Time

	Audience Audience
	CourseID string // required course for AudienceCourseStudents
}

// =============================================================================
// INTENTS
// =============================================================================

type IntentID string

type IntentState string

const (
	StateCreated        IntentState = "created"
	StatePaymentPending IntentState = "payment_pending"
	StateConfirmed      IntentState = "confirmed"
	StateFailed         IntentState = "failed"
	StateExpired        IntentState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s IntentState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateExpired
}

// OpenStates are the non-terminal states.
var OpenStates = []IntentState{StateCreated, StatePaymentPending}

// Intent is one attempt to purchase access to a target. Version increments
// on every transition and guards compare-and-swap updates.
type Intent struct {
	ID               IntentID
	Actor            ledger.ActorID
	Target           Target
	OrganizationID   string
	AmountDue        int64
	Currency         string
	State            IntentState
	Version          int64
	GatewayID        string
	GatewayReference string
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Reference is the merchant reference sent to the payment gateway.
func (i Intent) Reference() string { return string(i.ID) }

// Initiation is what BeginEnrollment hands back to the caller: enough to
// start a gateway charge, or the finished enrollment for free targets.
type Initiation struct {
	IntentID  IntentID
	Amount    int64
	Currency  string
	Reference string

	// Set on the free path and after Checkout.
	Free             bool
	Enrollment       *Enrollment
	GatewayID        string
	AuthorizationURL string
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

type EnrollmentID string

type Source string

const (
	SourcePurchase       Source = "purchase"
	SourceFree           Source = "free"
	SourceMembershipSync Source = "membership_sync"
)

// Enrollment grants an actor access to a target. Revocation is soft: the
// row stays with RevokedAt set.
type Enrollment struct {
	ID           EnrollmentID
	Actor        ledger.ActorID
	Target       Target
	IntentID     IntentID // empty for membership-synced enrollments
	Source       Source
	ActivatedAt  time.Time
	RevokedAt    *time.Time
	RevokeReason string
}

func (e Enrollment) Active() bool { return e.RevokedAt == nil }

// =============================================================================
// OUTBOX & RECONCILIATION
// =============================================================================

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "done"
)

// SyncJob is the outbox row written in the confirm transaction. Membership
// sync consumes it after commit and the retry job sweeps what is left.
type SyncJob struct {
	ID            string
	Actor         ledger.ActorID
	Target        Target
	Status        SyncStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// ReconciliationCase records money that moved for an intent that was
// already terminal. Someone has to refund or honor it by hand.
type ReconciliationCase struct {
	ID               string
	IntentID         IntentID
	Actor            ledger.ActorID
	GatewayReference string
	State            IntentState
	Detail           string
	CreatedAt        time.Time
}
