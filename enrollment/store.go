package enrollment

import (
	"context"
	"time"

	"github.com/dvuka/learning-engine/gateway"
	"github.com/dvuka/learning-engine/ledger"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists intents, enrollments, outbox rows and reconciliation cases.
type Store interface {
	// CreateIntent inserts a new intent. Returns store.ErrConflict when an
	// open intent already exists for the same actor and target.
	CreateIntent(ctx context.Context, in Intent) error

	// Intent loads one intent. store.ErrNotFound when missing.
	Intent(ctx context.Context, id IntentID) (Intent, error)
	IntentByGatewayID(ctx context.Context, gatewayID string) (Intent, error)

	// OpenIntent returns the non-terminal intent for actor and target.
	OpenIntent(ctx context.Context, actor ledger.ActorID, target Target) (Intent, error)

	CountOpenIntents(ctx context.Context, target Target) (int, error)

	// StaleIntents lists open intents created before cutoff.
	StaleIntents(ctx context.Context, cutoff time.Time) ([]Intent, error)

	// UpdateIntent writes in.State and the gateway fields if the stored row
	// still has in.Version and one of the from states. The version is
	// incremented. Returns false when the compare-and-swap lost.
	UpdateIntent(ctx context.Context, in Intent, from ...IntentState) (bool, error)

	// CreateEnrollment inserts an active enrollment. Returns
	// store.ErrConflict when one is already active for actor and target.
	CreateEnrollment(ctx context.Context, e Enrollment) error

	Enrollment(ctx context.Context, id EnrollmentID) (Enrollment, error)
	EnrollmentByIntent(ctx context.Context, id IntentID) (Enrollment, error)
	ActiveEnrollment(ctx context.Context, actor ledger.ActorID, target Target) (Enrollment, error)
	EnrollmentsByActor(ctx context.Context, actor ledger.ActorID) ([]Enrollment, error)
	CountActiveEnrollments(ctx context.Context, target Target) (int, error)

	// RevokeEnrollment soft-revokes an active enrollment.
	RevokeEnrollment(ctx context.Context, id EnrollmentID, reason string, at time.Time) error

	EnqueueSync(ctx context.Context, job SyncJob) error

	InsertReconciliationCase(ctx context.Context, c ReconciliationCase) error
	ReconciliationCases(ctx context.Context) ([]ReconciliationCase, error)
}

// Tx is the transaction-scoped view. Ledger returns the ledger store bound
// to the same transaction so entries commit with the intent.
type Tx interface {
	Store
	Ledger() ledger.Store
}

// TxStore runs fn inside one database transaction.
type TxStore interface {
	Store
	WithEnrollmentTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Catalog is the read-only view of courses, events and memberships.
type Catalog interface {
	// Target returns catalog data. store.ErrNotFound for unknown targets.
	Target(ctx context.Context, t Target) (TargetInfo, error)

	// MembershipActive reports whether actor holds an active membership in
	// the organization.
	MembershipActive(ctx context.Context, actor ledger.ActorID, orgID string) (bool, error)
}

// Gateway starts and verifies charges. Implemented by gateway.HTTPGateway
// and gateway.Fake.
type Gateway interface {
	InitiateCharge(ctx context.Context, c gateway.Charge) (gateway.Receipt, error)
	VerifyCharge(ctx context.Context, reference string) (gateway.Result, error)
}

// MembershipSync is notified after a confirmed enrollment commits. Errors
// are logged by the caller and never undo the enrollment.
type MembershipSync interface {
	OnEnrollmentConfirmed(ctx context.Context, actor ledger.ActorID, target Target) error
}
