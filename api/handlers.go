/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Commissions:
    POST   /api/commissions/calculate            Compute one commission
    GET    /api/commissions/{id}                 Get commission details
    GET    /api/apporteurs/{id}/commissions      Period listing
    GET    /api/apporteurs/{id}/balance          Active negative balance

  Reversals:
    POST   /api/reversals                        Report a contract event
    GET    /api/reversals                        Query reversal records
    GET    /api/negative-balances                Negative balance overview

  Statements:
    POST   /api/statements/generate              Build or rebuild
    GET    /api/statements/{id}                  Get with lines
    POST   /api/statements/{id}/preselect        DRAFT -> PRESELECTED
    POST   /api/statements/{id}/validate         PRESELECTED -> VALIDATED
    POST   /api/statements/{id}/finalize         VALIDATED -> FINAL
    POST   /api/statements/{id}/lines/{lineID}/deselect
    POST   /api/statements/{id}/lines/{lineID}/reselect
    POST   /api/statements/{id}/lines/{lineID}/dispute
    POST   /api/statements/{id}/lines/{lineID}/resolve

  Scales:
    GET    /api/scales                           Active scales
    POST   /api/scales                           Create from JSON

  Recurrence:
    GET    /api/commitments                      Active commitments
    POST   /api/commitments                      Create/update
    POST   /api/recurrence/run                   Trigger a period run

  Audit:
    GET    /api/audit                            Query the trail

ERROR HANDLING:
  Errors map from the domain taxonomy onto HTTP statuses:
  - 400: Validation errors, invalid input
  - 404: Entity not found
  - 409: Locked state, concurrency conflict
  - 422: Reversal past its deadline window
  - 500: Internal errors, idempotency violations

TENANCY:
  The organisation comes from the X-Organisation header; absent means the
  single-tenant default.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// DefaultOrganisation is used when the client sends no X-Organisation header.
const DefaultOrganisation = commission.OrganisationID("default")

// ScaleCatalog is the read/write view of the scale catalog the API needs.
type ScaleCatalog interface {
	commission.ScaleProvider
	SaveScale(ctx context.Context, sc commission.Scale) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps bundles everything the handlers need. All fields are required.
type Deps struct {
	Calculator  *commission.Calculator
	Processor   *commission.Processor
	Ledger      *commission.BalanceLedger
	Builder     *commission.Builder
	Workflow    *commission.Workflow
	Recurrence  *commission.RecurrenceEngine
	Scales      ScaleCatalog
	Commissions commission.CommissionRepo
	Reversals   commission.ReversalRepo
	Balances    commission.NegativeBalanceRepo
	Recurrences commission.RecurrenceRepo
	Statements  commission.StatementRepo
	Audit       *commission.Recorder
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	deps         Deps
	ScaleFactory *factory.ScaleFactory
}

// NewHandler creates a new handler over the wired engine.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, ScaleFactory: factory.NewScaleFactory()}
}

func orgFrom(r *http.Request) commission.OrganisationID {
	if org := r.Header.Get("X-Organisation"); org != "" {
		return commission.OrganisationID(org)
	}
	return DefaultOrganisation
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// CalculateCommission computes and persists one commission.
// POST /api/commissions/calculate
func (h *Handler) CalculateCommission(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	base, err := decimal.NewFromString(req.BaseAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base_amount", err)
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.deps.Calculator.Calculate(r.Context(), commission.CalculationInput{
		Organisation: orgFrom(r),
		Apporteur:    commission.ApporteurID(req.Apporteur),
		Contract:     commission.ContractID(req.Contract),
		Product:      commission.ProductID(req.Product),
		ProductType:  req.ProductType,
		BaseAmount:   base,
		Period:       period,
		ScaleID:      commission.ScaleID(req.ScaleID),
		Actor:        req.Actor,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := CalculateResponse{Commission: toCommissionDTO(result.Commission)}
	for _, c := range result.Contributions {
		resp.Contributions = append(resp.Contributions, TierContributionDTO{
			TierID: string(c.Tier.ID),
			Name:   c.Tier.Name,
			Amount: c.Amount.StringFixed(2),
		})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetCommission returns a single commission.
// GET /api/commissions/{id}
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	id := commission.CommissionID(chi.URLParam(r, "id"))

	c, err := h.deps.Commissions.Get(r.Context(), orgFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(c))
}

// ListCommissions returns an apporteur's commissions for a period.
// GET /api/apporteurs/{id}/commissions?period=YYYY-MM
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	apporteur := commission.ApporteurID(chi.URLParam(r, "id"))

	period, err := commission.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	commissions, err := h.deps.Commissions.ListByPeriod(r.Context(), orgFrom(r), apporteur, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]CommissionDTO, len(commissions))
	for i, c := range commissions {
		dtos[i] = toCommissionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the apporteur's active negative balance, if any.
// GET /api/apporteurs/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	apporteur := commission.ApporteurID(chi.URLParam(r, "id"))

	bal, err := h.deps.Balances.Active(r.Context(), orgFrom(r), apporteur)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"apporteur": string(apporteur), "balance": nil})
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// REVERSAL HANDLERS
// =============================================================================

// CreateReversal processes a contract event.
// POST /api/reversals
func (h *Handler) CreateReversal(w http.ResponseWriter, r *http.Request) {
	var req ReversalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	eventDate, err := time.Parse("2006-01-02", req.EventDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event_date, want YYYY-MM-DD", err)
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		if amount, err = decimal.NewFromString(req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
	}
	var rate *decimal.Decimal
	if req.Rate != "" {
		d, err := decimal.NewFromString(req.Rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate", err)
			return
		}
		rate = &d
	}

	result, err := h.deps.Processor.Process(r.Context(), commission.ContractEvent{
		Organisation: orgFrom(r),
		Contract:     commission.ContractID(req.Contract),
		Kind:         commission.ReversalKind(req.Kind),
		EventDate:    eventDate,
		Amount:       amount,
		Rate:         rate,
		Actor:        req.Actor,
	})
	if err != nil && result == nil {
		writeDomainError(w, err)
		return
	}

	resp := ReversalResponse{Total: result.TotalReversed().StringFixed(2)}
	for _, rev := range result.Reversals {
		resp.Reversals = append(resp.Reversals, toReversalDTO(rev))
	}
	for _, rev := range result.Rejected {
		resp.Rejected = append(resp.Rejected, toReversalDTO(rev))
	}

	// Every commission past its deadline and none reversed: surface the
	// rejection, with the rejected records in the body.
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListReversals returns reversal records matching the query.
// GET /api/reversals?apporteur=&contract=&kind=&period=&status=
func (h *Handler) ListReversals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.ReversalFilter{
		Apporteur: commission.ApporteurID(q.Get("apporteur")),
		Contract:  commission.ContractID(q.Get("contract")),
		Kind:      commission.ReversalKind(q.Get("kind")),
		Status:    commission.ReversalStatus(q.Get("status")),
	}
	if p := q.Get("period"); p != "" {
		period, err := commission.ParsePeriod(p)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.ApplicationPeriod = period
	}

	reversals, err := h.deps.Reversals.List(r.Context(), orgFrom(r), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReversalDTO, len(reversals))
	for i, rev := range reversals {
		dtos[i] = toReversalDTO(rev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListBalances returns negative balances, active ones by default.
// GET /api/negative-balances?status=active|cleared
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	status := commission.BalanceActive
	if s := r.URL.Query().Get("status"); s != "" {
		status = commission.BalanceStatus(s)
	}

	balances, err := h.deps.Balances.List(r.Context(), orgFrom(r), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STATEMENT HANDLERS
// =============================================================================

// GenerateStatement builds or rebuilds a statement.
// POST /api/statements/generate
func (h *Handler) GenerateStatement(w http.ResponseWriter, r *http.Request) {
	var req GenerateStatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	st, err := h.deps.Builder.Generate(r.Context(), orgFrom(r),
		commission.ApporteurID(req.Apporteur), period, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStatementDTO(st))
}

// GetStatement returns a statement with its lines.
// GET /api/statements/{id}
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id := commission.StatementID(chi.URLParam(r, "id"))

	st, err := h.deps.Statements.Get(r.Context(), orgFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// PreselectStatement moves a draft to PRESELECTED.
// POST /api/statements/{id}/preselect
func (h *Handler) PreselectStatement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Workflow.Preselect)
}

// ValidateStatement moves a reviewed statement to VALIDATED.
// POST /api/statements/{id}/validate
func (h *Handler) ValidateStatement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Workflow.Validate)
}

// FinalizeStatement locks the statement and settles its side effects.
// POST /api/statements/{id}/finalize
func (h *Handler) FinalizeStatement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Workflow.Finalize)
}

type transitionFunc func(ctx context.Context, org commission.OrganisationID, id commission.StatementID, actor string) (*commission.Statement, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id := commission.StatementID(chi.URLParam(r, "id"))

	var req ActorRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	st, err := fn(r.Context(), orgFrom(r), id, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// DeselectLine removes a line from the payable totals.
// POST /api/statements/{id}/lines/{lineID}/deselect
func (h *Handler) DeselectLine(w http.ResponseWriter, r *http.Request) {
	id, lineID, req, ok := h.lineRequest(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Workflow.DeselectLine(r.Context(), orgFrom(r), id, lineID, req.Motif, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// ReselectLine restores a deselected line.
// POST /api/statements/{id}/lines/{lineID}/reselect
func (h *Handler) ReselectLine(w http.ResponseWriter, r *http.Request) {
	id, lineID, req, ok := h.lineRequest(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Workflow.ReselectLine(r.Context(), orgFrom(r), id, lineID, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// DisputeLine flags a line and moves the statement to DISPUTED.
// POST /api/statements/{id}/lines/{lineID}/dispute
func (h *Handler) DisputeLine(w http.ResponseWriter, r *http.Request) {
	id, lineID, req, ok := h.lineRequest(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Workflow.RaiseDispute(r.Context(), orgFrom(r), id, lineID, req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// ResolveDispute closes a line's dispute.
// POST /api/statements/{id}/lines/{lineID}/resolve
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, lineID, req, ok := h.lineRequest(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Workflow.ResolveDispute(r.Context(), orgFrom(r), id, lineID, req.Motif, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

func (h *Handler) lineRequest(w http.ResponseWriter, r *http.Request) (commission.StatementID, commission.LineID, LineActionRequest, bool) {
	id := commission.StatementID(chi.URLParam(r, "id"))
	lineID := commission.LineID(chi.URLParam(r, "lineID"))

	var req LineActionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return "", "", req, false
		}
	}
	return id, lineID, req, true
}

// =============================================================================
// SCALE HANDLERS
// =============================================================================

// ListScales returns the active scales for the organisation.
// GET /api/scales?product_type=...
func (h *Handler) ListScales(w http.ResponseWriter, r *http.Request) {
	scales, err := h.deps.Scales.ActiveScales(r.Context(), orgFrom(r), r.URL.Query().Get("product_type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]factory.ScaleJSON, len(scales))
	for i, s := range scales {
		dtos[i] = h.ScaleFactory.ToJSON(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateScale registers a scale from its JSON definition.
// POST /api/scales
func (h *Handler) CreateScale(w http.ResponseWriter, r *http.Request) {
	var sj factory.ScaleJSON
	if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if sj.Organisation == "" {
		sj.Organisation = string(orgFrom(r))
	}

	scale, err := h.ScaleFactory.FromJSON(sj)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.deps.Scales.SaveScale(r.Context(), scale); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.ScaleFactory.ToJSON(scale))
}

// =============================================================================
// RECURRENCE HANDLERS
// =============================================================================

// ListCommitments returns the active recurring commitments.
// GET /api/commitments
func (h *Handler) ListCommitments(w http.ResponseWriter, r *http.Request) {
	commitments, err := h.deps.Recurrences.ListActive(r.Context(), orgFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]CommitmentDTO, len(commitments))
	for i, rc := range commitments {
		dtos[i] = toCommitmentDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveCommitment creates or updates a recurring commitment.
// POST /api/commitments
func (h *Handler) SaveCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	base, err := decimal.NewFromString(req.BaseAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base_amount", err)
		return
	}

	rc := &commission.RecurringCommitment{
		ID:           commission.CommitmentID(req.ID),
		Organisation: orgFrom(r),
		Apporteur:    commission.ApporteurID(req.Apporteur),
		Contract:     commission.ContractID(req.Contract),
		Product:      commission.ProductID(req.Product),
		ProductType:  req.ProductType,
		BaseAmount:   base,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if rc.ID == "" {
		rc.ID = commission.CommitmentID(uuid.NewString())
	}
	if req.Active != nil {
		rc.Active = *req.Active
	}
	if req.StartPeriod != "" {
		if rc.StartPeriod, err = commission.ParsePeriod(req.StartPeriod); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.EndPeriod != "" {
		if rc.EndPeriod, err = commission.ParsePeriod(req.EndPeriod); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	if err := h.deps.Recurrences.Save(r.Context(), rc); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitmentDTO(rc))
}

// RunRecurrence triggers a recurrence run for a period.
// POST /api/recurrence/run
func (h *Handler) RunRecurrence(w http.ResponseWriter, r *http.Request) {
	var req RunRecurrenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summary, err := h.deps.Recurrence.Run(r.Context(), orgFrom(r), period, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries matching the query, newest first.
// GET /api/audit?scope=&ref=&action=&period=&limit=&offset=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := commission.AuditFilter{
		Scope:  commission.AuditScope(q.Get("scope")),
		RefID:  q.Get("ref"),
		Action: commission.AuditAction(q.Get("action")),
		Limit:  intQuery(q.Get("limit"), 100),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if p := q.Get("period"); p != "" {
		period, err := commission.ParsePeriod(p)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.Period = period
	}

	entries, err := h.deps.Audit.Query(r.Context(), orgFrom(r), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// =============================================================================
// RESPONSE HELPERS
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

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commission.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, commission.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, commission.ErrLockedState):
		writeError(w, http.StatusConflict, "Entity is locked", err)
	case errors.Is(err, commission.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Concurrent mutation, retry later", err)
	case errors.Is(err, commission.ErrDeadlineExceeded):
		writeError(w, http.StatusUnprocessableEntity, "Reversal deadline exceeded", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
