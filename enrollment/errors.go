package enrollment

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrIneligible       = errors.New("actor is not eligible")
	ErrDuplicateIntent  = errors.New("an open enrollment intent already exists")
	ErrAlreadyConfirmed = errors.New("intent already confirmed")
	ErrAlreadyExpired   = errors.New("intent already expired")
	ErrTerminalState    = errors.New("intent is in a terminal state")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidActor     = errors.New("invalid actor")
	ErrAmountMismatch   = errors.New("paid amount does not match amount due")
	ErrGatewayRejected  = errors.New("payment gateway rejected the charge")

	// ErrLedgerPosting marks a confirmation the ledger refused. The
	// transaction is rolled back and a reconciliation case is recorded.
	ErrLedgerPosting = errors.New("failed to post enrollment charge")
)

// Reasons carried by IneligibleError.
const (
	ReasonNotFound           = "target not found"
	ReasonRegistrationClosed = "registration closed"
	ReasonDeadlinePassed     = "registration deadline passed"
	ReasonFull               = "capacity reached"
	ReasonMembershipRequired = "active organization membership required"
	ReasonCourseRequired     = "enrollment in the parent course required"
	ReasonAlreadyEnrolled    = "already enrolled"
	ReasonCurrency           = "currency not accepted"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// IneligibleError explains why BeginEnrollment refused.
type IneligibleError struct {
	Target Target
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("not eligible for %s: %s", e.Target, e.Reason)
}

func (e *IneligibleError) Unwrap() error { return ErrIneligible }

// DuplicateIntentError points at the open intent that blocks a new one.
type DuplicateIntentError struct {
	Existing IntentID
	State    IntentState
}

func (e *DuplicateIntentError) Error() string {
	return fmt.Sprintf("open intent %s already exists (state %s)", e.Existing, e.State)
}

func (e *DuplicateIntentError) Unwrap() error { return ErrDuplicateIntent }

// AlreadyConfirmedError is returned for a repeated confirmation. It is
// informational: the first confirmation succeeded and its enrollment is
// returned alongside.
type AlreadyConfirmedError struct {
	IntentID     IntentID
	EnrollmentID EnrollmentID
}

func (e *AlreadyConfirmedError) Error() string {
	return fmt.Sprintf("intent %s already confirmed as enrollment %s", e.IntentID, e.EnrollmentID)
}

func (e *AlreadyConfirmedError) Unwrap() error { return ErrAlreadyConfirmed }

// AlreadyExpiredError is returned when a payment confirmation arrives after
// the intent expired. The payment needs manual reconciliation.
type AlreadyExpiredError struct {
	IntentID         IntentID
	GatewayReference string
	ExpiredAt        time.Time
}

func (e *AlreadyExpiredError) Error() string {
	return fmt.Sprintf("intent %s expired at %s, payment %s needs reconciliation",
		e.IntentID, e.ExpiredAt.Format(time.RFC3339), e.GatewayReference)
}

func (e *AlreadyExpiredError) Unwrap() error { return ErrAlreadyExpired }

// TerminalStateError is returned for transitions out of a terminal state
// that have no more specific error.
type TerminalStateError struct {
	IntentID IntentID
	State    IntentState
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("intent %s is %s", e.IntentID, e.State)
}

func (e *TerminalStateError) Unwrap() error { return ErrTerminalState }
