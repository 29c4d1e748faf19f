/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  domain types so fields can be renamed without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as integer minor units ("amount": 1050). Responses also
  carry the major-unit string ("display": "10.50") for convenience.

TIMES:
  RFC 3339. Recurrence rules carry wall-clock hour/minute plus an IANA
  location instead.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/recurrence"
)

// =============================================================================
// ENROLLMENT
// =============================================================================

// CheckoutRequest starts an enrollment. Target is "<kind>:<id>".
type CheckoutRequest struct {
	Actor  string `json:"actor"`
	Target string `json:"target"`
	Email  string `json:"email"`
}

type InitiationDTO struct {
	IntentID         string         `json:"intent_id"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency,omitempty"`
	Reference        string         `json:"reference"`
	Free             bool           `json:"free"`
	AuthorizationURL string         `json:"authorization_url,omitempty"`
	Enrollment       *EnrollmentDTO `json:"enrollment,omitempty"`
}

type IntentDTO struct {
	ID               string    `json:"id"`
	Actor            string    `json:"actor"`
	Target           string    `json:"target"`
	OrganizationID   string    `json:"organization_id,omitempty"`
	AmountDue        int64     `json:"amount_due"`
	Currency         string    `json:"currency,omitempty"`
	State            string    `json:"state"`
	Version          int64     `json:"version"`
	GatewayReference string    `json:"gateway_reference,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type EnrollmentDTO struct {
	ID           string     `json:"id"`
	Actor        string     `json:"actor"`
	Target       string     `json:"target"`
	IntentID     string     `json:"intent_id,omitempty"`
	Source       string     `json:"source"`
	ActivatedAt  time.Time  `json:"activated_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
	Refund bool   `json:"refund"`
}

type ReconciliationCaseDTO struct {
	ID               string    `json:"id"`
	IntentID         string    `json:"intent_id"`
	Actor            string    `json:"actor"`
	GatewayReference string    `json:"gateway_reference"`
	State            string    `json:"state"`
	Detail           string    `json:"detail"`
	CreatedAt        time.Time `json:"created_at"`
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	Actor      string    `json:"actor"`
	Amount     int64     `json:"amount"`
	Display    string    `json:"display"`
	Currency   string    `json:"currency,omitempty"`
	EntryCount int64     `json:"entry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type EntryDTO struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Amount    int64     `json:"amount"`
	Display   string    `json:"display"`
	Currency  string    `json:"currency"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Reverses  string    `json:"reverses,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PayoutRequest struct {
	Actor     string `json:"actor"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// CATALOG (admin)
// =============================================================================

type TargetRequest struct {
	OrganizationID       string     `json:"organization_id"`
	Title                string     `json:"title"`
	Price                int64      `json:"price"`
	Currency             string     `json:"currency"`
	Capacity             *int       `json:"capacity"`
	RegistrationOpen     bool       `json:"registration_open"`
	RegistrationDeadline *time.Time `json:"registration_deadline"`
	Audience             string     `json:"audience"`
	CourseID             string     `json:"course_id"`
	StartsAt             *time.Time `json:"starts_at"`
}

type MembershipRequest struct {
	Actor          string     `json:"actor"`
	OrganizationID string     `json:"organization_id"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type LinkRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// =============================================================================
// RECURRENCE
// =============================================================================

type RuleDTO struct {
	Frequency       string `json:"frequency"`
	Interval        int    `json:"interval"`
	Weekday         string `json:"weekday"` // "monday"
	Hour            int    `json:"hour"`
	Minute          int    `json:"minute"`
	DurationMinutes int    `json:"duration_minutes"`
	Location        string `json:"location"`
}

type DefinitionRequest struct {
	TargetID    string     `json:"target_id"`
	Title       string     `json:"title"`
	StartTime   time.Time  `json:"start_time"`
	Rule        RuleDTO    `json:"rule"`
	HorizonDays int        `json:"horizon_days"`
	SeriesEnd   *time.Time `json:"series_end"`
	Scope       string     `json:"scope"`
}

type DefinitionDTO struct {
	ID            string     `json:"id"`
	TargetID      string     `json:"target_id"`
	Title         string     `json:"title"`
	StartTime     time.Time  `json:"start_time"`
	Rule          RuleDTO    `json:"rule"`
	SeriesEnd     *time.Time `json:"series_end,omitempty"`
	CancelledFrom *time.Time `json:"cancelled_from,omitempty"`
	Scope         string     `json:"scope"`
}

type MaterializeRequest struct {
	Until time.Time `json:"until"`
}

// CancelRequest cancels the series from From, or only the session at
// Occurrence.
type CancelRequest struct {
	From       *time.Time `json:"from"`
	Occurrence *time.Time `json:"occurrence"`
}

type OneOffRequest struct {
	TargetID string    `json:"target_id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Scope    string    `json:"scope"`
}

type InstanceDTO struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"definition_id,omitempty"`
	TargetID     string    `json:"target_id"`
	Title        string    `json:"title,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Scope        string    `json:"scope"`
	Status       string    `json:"status"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toIntentDTO(in enrollment.Intent) IntentDTO {
	return IntentDTO{
		ID:               string(in.ID),
		Actor:            string(in.Actor),
		Target:           in.Target.String(),
		OrganizationID:   in.OrganizationID,
		AmountDue:        in.AmountDue,
		Currency:         in.Currency,
		State:            string(in.State),
		Version:          in.Version,
		GatewayReference: in.GatewayReference,
		FailureReason:    in.FailureReason,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func toEnrollmentDTO(e enrollment.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:           string(e.ID),
		Actor:        string(e.Actor),
		Target:       e.Target.String(),
		IntentID:     string(e.IntentID),
		Source:       string(e.Source),
		ActivatedAt:  e.ActivatedAt,
		RevokedAt:    e.RevokedAt,
		RevokeReason: e.RevokeReason,
	}
}

func toInitiationDTO(init *enrollment.Initiation) InitiationDTO {
	dto := InitiationDTO{
		IntentID:         string(init.IntentID),
		Amount:           init.Amount,
		Currency:         init.Currency,
		Reference:        init.Reference,
		Free:             init.Free,
		AuthorizationURL: init.AuthorizationURL,
	}
	if init.Enrollment != nil {
		e := toEnrollmentDTO(*init.Enrollment)
		dto.Enrollment = &e
	}
	return dto
}

func toCaseDTO(c enrollment.ReconciliationCase) ReconciliationCaseDTO {
	return ReconciliationCaseDTO{
		ID:               c.ID,
		IntentID:         string(c.IntentID),
		Actor:            string(c.Actor),
		GatewayReference: c.GatewayReference,
		State:            string(c.State),
		Detail:           c.Detail,
		CreatedAt:        c.CreatedAt,
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		Actor:      string(b.Actor),
		Amount:     b.Amount,
		Display:    ledger.ToMajor(b.Amount).StringFixed(2),
		Currency:   b.Currency,
		EntryCount: b.EntryCount,
		UpdatedAt:  b.UpdatedAt,
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		Actor:     string(e.Actor),
		Amount:    e.Amount,
		Display:   ledger.ToMajor(e.Amount).StringFixed(2),
		Currency:  e.Currency,
		Kind:      string(e.Kind),
		Status:    string(e.Status),
		Reference: e.Reference,
		Reason:    e.Reason,
		Reverses:  string(e.Reverses),
		CreatedAt: e.CreatedAt,
	}
}

func toRuleDTO(r recurrence.Rule) RuleDTO {
	return RuleDTO{
		Frequency:       string(r.Frequency),
		Interval:        r.Interval,
		Weekday:         weekdayName(r.Weekday),
		Hour:            r.Hour,
		Minute:          r.Minute,
		DurationMinutes: int(r.Duration / time.Minute),
		Location:        r.Location,
	}
}

func toDefinitionDTO(d recurrence.Definition) DefinitionDTO {
	return DefinitionDTO{
		ID:            string(d.ID),
		TargetID:      d.TargetID,
		Title:         d.Title,
		StartTime:     d.StartTime,
		Rule:          toRuleDTO(d.Rule),
		SeriesEnd:     d.SeriesEnd,
		CancelledFrom: d.CancelledFrom,
		Scope:         string(d.Scope),
	}
}

func toInstanceDTO(in recurrence.Instance) InstanceDTO {
	return InstanceDTO{
		ID:           string(in.ID),
		DefinitionID: string(in.DefinitionID),
		TargetID:     in.TargetID,
		Title:        in.Title,
		Start:        in.Start,
		End:          in.End,
		Scope:        string(in.Scope),
		Status:       string(in.Status),
	}
}
