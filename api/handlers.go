/*
handlers.go - HTTP API handlers for the learning engine

PURPOSE:
  Exposes enrollment, ledger and scheduling operations via REST. Handlers
  parse the request, call the domain service, and serialize the result.
  No business rule lives here.

ENDPOINTS:
  Enrollment:
    POST   /api/enrollments                 Checkout (free targets enroll immediately)
    GET    /api/enrollments/{id}            Enrollment details
    POST   /api/enrollments/{id}/revoke     Revoke, optionally refunding
    GET    /api/intents/{id}                Intent state
    GET    /api/intents/{id}/verify         Pull the charge state from the gateway
    GET    /api/actors/{actor}/enrollments  Enrollments of an actor
    POST   /api/gateway/webhook             Signed gateway callback

  Ledger:
    GET    /api/actors/{actor}/balance      Materialized balance
    GET    /api/actors/{actor}/entries      Entry history
    POST   /api/payouts                     Withdrawal request
    POST   /api/entries/{id}/reverse        Compensating entry

  Scheduling:
    POST   /api/definitions                 Create a recurring series
    GET    /api/definitions/{id}            Series details
    POST   /api/definitions/{id}/materialize
    POST   /api/definitions/{id}/cancel     Cancel the series or one session
    GET    /api/definitions/{id}/instances
    POST   /api/events                      One-off session

  Admin:
    PUT    /api/targets/{kind}/{id}         Upsert a catalog target
    PUT    /api/memberships                 Upsert an administered membership
    POST   /api/targets/links               Link two targets for membership sync
    GET    /api/reconciliation/cases        Late or mismatched payments
    POST   /api/reconciliation/ledger       Run balance reconciliation now

ERROR HANDLING:
  Errors are returned as JSON with the status from statusFor:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate intent, already confirmed/expired, reversed)
  - 422: Ineligible, insufficient funds
  - 502: Gateway refused the charge
  - 503: Database busy, retry
  - 500: Internal errors

WEBHOOK:
  Answers 401 on a bad signature and 200 for every authentic delivery,
  even when processing fails. The gateway retries on non-2xx, and
  processing errors are ours to reconcile, not the gateway's.

SECURITY NOTE:
  No authentication. The actor is taken from the request; an upstream
  gateway is expected to authenticate callers.

SEE ALSO:
  - dto.go:    Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/gateway"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/observability"
	"github.com/dvuka/learning-engine/recurrence"
	"github.com/dvuka/learning-engine/store"
	"github.com/dvuka/learning-engine/store/sqlite"
)

// maxWebhookBody bounds the callback body read before signature checks.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Coordinator *enrollment.Coordinator
	Ledger      *ledger.Ledger
	Engine      *recurrence.Engine

	// WebhookSecret verifies gateway callbacks. Empty disables the webhook.
	WebhookSecret string

	logger *slog.Logger
}

// NewHandler creates a handler over the wired services.
func NewHandler(s *sqlite.Store, c *enrollment.Coordinator, l *ledger.Ledger, e *recurrence.Engine, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		Store:         s,
		Coordinator:   c,
		Ledger:        l,
		Engine:        e,
		WebhookSecret: webhookSecret,
		logger:        observability.Component(logger, "api"),
	}
}

// Healthz reports whether the database answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// Checkout opens an intent and starts the charge.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target, err := enrollment.ParseTarget(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid target (use kind:id)", err)
		return
	}

	init, err := h.Coordinator.Checkout(r.Context(), ledger.ActorID(req.Actor), target, req.Email)
	if err != nil {
		writeDomainError(w, "Failed to start enrollment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInitiationDTO(init))
}

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := h.Coordinator.Intent(r.Context(), enrollment.IntentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get intent", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntentDTO(in))
}

// VerifyIntent asks the gateway for the charge state and applies it. Used
// by the checkout return page when the webhook is late or lost.
func (h *Handler) VerifyIntent(w http.ResponseWriter, r *http.Request) {
	in, err := h.Coordinator.VerifyPayment(r.Context(), enrollment.IntentID(chi.URLParam(r, "id")))
	if err != nil && !errors.Is(err, enrollment.ErrLedgerPosting) && !errors.Is(err, enrollment.ErrAmountMismatch) {
		writeDomainError(w, "Failed to verify payment", err)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "verified payment needs reconciliation", "intent", in.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, toIntentDTO(in))
}

func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Coordinator.Enrollment(r.Context(), enrollment.EnrollmentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(e))
}

func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Coordinator.Enrollments(r.Context(), ledger.ActorID(chi.URLParam(r, "actor")))
	if err != nil {
		writeDomainError(w, "Failed to list enrollments", err)
		return
	}
	dtos := make([]EnrollmentDTO, len(list))
	for i, e := range list {
		dtos[i] = toEnrollmentDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RevokeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	id := enrollment.EnrollmentID(chi.URLParam(r, "id"))
	if err := h.Coordinator.RevokeEnrollment(r.Context(), id, req.Reason, req.Refund); err != nil {
		writeDomainError(w, "Failed to revoke enrollment", err)
		return
	}
	e, err := h.Coordinator.Enrollment(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(e))
}

// GatewayWebhook receives payment callbacks.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookSecret == "" {
		writeError(w, http.StatusNotFound, "Webhook not configured", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	if err := gateway.VerifySignature(h.WebhookSecret, body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		h.logger.WarnContext(r.Context(), "rejected webhook", "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	res, err := gateway.ParseWebhook(body)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "unparseable webhook", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := h.Coordinator.HandleGatewayResult(r.Context(), res); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			"reference", res.Reference, "outcome", res.Outcome, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) ListReconciliationCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.Coordinator.ReconciliationCases(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list reconciliation cases", err)
		return
	}
	dtos := make([]ReconciliationCaseDTO, len(cases))
	for i, c := range cases {
		dtos[i] = toCaseDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor := ledger.ActorID(chi.URLParam(r, "actor"))
	if !actor.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid actor", nil)
		return
	}
	b, err := h.Ledger.GetBalance(r.Context(), actor)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Entries(r.Context(), ledger.ActorID(chi.URLParam(r, "actor")))
	if err != nil {
		writeDomainError(w, "Failed to list entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Ledger.RequestPayout(r.Context(), ledger.ActorID(req.Actor), req.Amount, req.Currency, req.Reference)
	status := http.StatusCreated
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		status, err = http.StatusOK, nil
	}
	if err != nil {
		writeDomainError(w, "Failed to request payout", err)
		return
	}
	writeJSON(w, status, map[string]string{"entry_id": string(id), "reference": req.Reference})
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := ledger.EntryID(chi.URLParam(r, "id"))
	rid, err := h.Ledger.ReverseEntry(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to reverse entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"entry_id": string(id), "reversal_id": string(rid)})
}

// ReconcileLedger runs reconciliation for every wallet and lists drift.
func (h *Handler) ReconcileLedger(w http.ResponseWriter, r *http.Request) {
	drifted, err := h.Ledger.ReconcileAll(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to reconcile ledger", err)
		return
	}
	out := make([]map[string]any, len(drifted))
	for i, d := range drifted {
		out[i] = map[string]any{"actor": d.Actor, "materialized": d.Materialized, "computed": d.Computed}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drifted": out})
}

// =============================================================================
// SCHEDULING HANDLERS
// =============================================================================

func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	weekday, ok := parseWeekday(req.Rule.Weekday)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid weekday", fmt.Errorf("unknown weekday %q", req.Rule.Weekday))
		return
	}
	frequency := recurrence.Frequency(req.Rule.Frequency)
	if frequency == "" {
		frequency = recurrence.FrequencyWeekly
	}
	interval := req.Rule.Interval
	if interval == 0 {
		interval = 1
	}

	def, err := h.Engine.CreateDefinition(r.Context(), recurrence.Definition{
		TargetID:  req.TargetID,
		Title:     req.Title,
		StartTime: req.StartTime,
		Rule: recurrence.Rule{
			Frequency: frequency,
			Interval:  interval,
			Weekday:   weekday,
			Hour:      req.Rule.Hour,
			Minute:    req.Rule.Minute,
			Duration:  time.Duration(req.Rule.DurationMinutes) * time.Minute,
			Location:  req.Rule.Location,
		},
		Horizon:   time.Duration(req.HorizonDays) * 24 * time.Hour,
		SeriesEnd: req.SeriesEnd,
		Scope:     recurrence.Scope(req.Scope),
	})
	if err != nil {
		writeDomainError(w, "Failed to create definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionDTO(*def))
}

func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.Engine.Definition(r.Context(), recurrence.DefinitionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get definition", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionDTO(def))
}

func (h *Handler) Materialize(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Until.IsZero() {
		writeError(w, http.StatusBadRequest, "until is required", nil)
		return
	}

	created, err := h.Engine.Materialize(r.Context(), recurrence.DefinitionID(chi.URLParam(r, "id")), req.Until)
	if err != nil {
		writeDomainError(w, "Failed to materialize", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(created))
}

func (h *Handler) CancelDefinition(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := recurrence.DefinitionID(chi.URLParam(r, "id"))

	switch {
	case req.Occurrence != nil:
		if err := h.Engine.CancelOccurrence(r.Context(), id, *req.Occurrence); err != nil {
			writeDomainError(w, "Failed to cancel occurrence", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": 1, "occurrence": req.Occurrence})
	case req.From != nil:
		n, err := h.Engine.CancelFutureInstances(r.Context(), id, *req.From)
		if err != nil {
			writeDomainError(w, "Failed to cancel series", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
	default:
		writeError(w, http.StatusBadRequest, "from or occurrence is required", nil)
	}
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.Instances(r.Context(), recurrence.DefinitionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list instances", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(list))
}

func (h *Handler) ScheduleOneOff(w http.ResponseWriter, r *http.Request) {
	var req OneOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := h.Engine.ScheduleOneOff(r.Context(), recurrence.Instance{
		TargetID: req.TargetID,
		Title:    req.Title,
		Start:    req.Start,
		End:      req.End,
		Scope:    recurrence.Scope(req.Scope),
	})
	if err != nil {
		writeDomainError(w, "Failed to schedule event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceDTO(*in))
}

func toInstanceDTOs(list []recurrence.Instance) []InstanceDTO {
	dtos := make([]InstanceDTO, len(list))
	for i, in := range list {
		dtos[i] = toInstanceDTO(in)
	}
	return dtos
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// PutTarget creates or replaces a catalog target.
func (h *Handler) PutTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target := enrollment.Target{Kind: enrollment.TargetKind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "id")}
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid target", nil)
		return
	}
	if req.Price < 0 {
		writeError(w, http.StatusBadRequest, "price must not be negative", nil)
		return
	}
	if req.Price > 0 && req.Currency == "" {
		writeError(w, http.StatusBadRequest, "currency is required for paid targets", nil)
		return
	}
	if req.Price > 0 && !h.Coordinator.AcceptsCurrency(req.Currency) {
		writeError(w, http.StatusBadRequest, "paid targets must be priced in "+h.Coordinator.Currency(), nil)
		return
	}

	info := enrollment.TargetInfo{
		Target:               target,
		OrganizationID:       req.OrganizationID,
		Title:                req.Title,
		Price:                req.Price,
		Currency:             strings.ToUpper(req.Currency),
		Capacity:             req.Capacity,
		RegistrationOpen:     req.RegistrationOpen,
		RegistrationDeadline: req.RegistrationDeadline,
		Audience:             enrollment.Audience(req.Audience),
		CourseID:             req.CourseID,
	}
	if err := h.Store.SaveTarget(r.Context(), info, req.StartsAt); err != nil {
		writeDomainError(w, "Failed to save target", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": target.String()})
}

func (h *Handler) PutMembership(w http.ResponseWriter, r *http.Request) {
	var req MembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor := ledger.ActorID(req.Actor)
	if !actor.Valid() || req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "actor and organization_id are required", nil)
		return
	}
	if req.Status == "" {
		req.Status = "active"
	}
	if err := h.Store.SaveMembership(r.Context(), actor, req.OrganizationID, req.Status, req.ExpiresAt); err != nil {
		writeDomainError(w, "Failed to save membership", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) LinkTargets(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, err := enrollment.ParseTarget(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from target", err)
		return
	}
	to, err := enrollment.ParseTarget(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to target", err)
		return
	}
	if err := h.Store.LinkTargets(r.Context(), from, to); err != nil {
		writeDomainError(w, "Failed to link targets", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrollment.ErrInvalidActor),
		errors.Is(err, enrollment.ErrInvalidTarget),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, recurrence.ErrInvalidInstance):
		return http.StatusBadRequest
	case errors.Is(err, enrollment.ErrIneligible),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, enrollment.ErrDuplicateIntent),
		errors.Is(err, enrollment.ErrAlreadyConfirmed),
		errors.Is(err, enrollment.ErrAlreadyExpired),
		errors.Is(err, enrollment.ErrTerminalState),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrNotReversible),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, enrollment.ErrGatewayRejected):
		return http.StatusBadGateway
	case store.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// HELPERS
// =============================================================================

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

func weekdayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}
