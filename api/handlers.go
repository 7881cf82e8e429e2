/*
handlers.go - HTTP API handlers for the claims adjudication engine

PURPOSE:
  Exposes the adjudication engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Members:
    GET    /api/members/{id}/balance     Remaining limit for a service code
    GET    /api/members/{id}/conditions  Chronic condition links

  Claims:
    POST   /api/claims/price             Dry-run pricing (no ledger writes)
    POST   /api/claims/adjudicate        Commit: debit ledger, approve lines

  Pre-approvals:
    POST   /api/preapprovals/check       Requirement verdict only
    POST   /api/preapprovals             Create (auto-approves when allowed)
    GET    /api/preapprovals             List by member and/or status
    GET    /api/preapprovals/{id}        Get one record
    POST   /api/preapprovals/{id}/submit Route to a review queue
    POST   /api/preapprovals/{id}/approve
    POST   /api/preapprovals/{id}/reject
    POST   /api/preapprovals/{id}/cancel
    POST   /api/preapprovals/consume     Mark used at claim finalization

  Admin:
    POST   /api/admin/expire             Trigger an expiry sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (engine, ledger, matcher, workflow)
  4. Serialize response
  5. Map domain errors to HTTP statuses

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown member/benefit/approval reference
  - 409: Optimistic conflict, illegal state transition
  - 422: Insufficient balance (a business refusal, not a bad request)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog  benefit.BenefitCatalog
	Ledger   *benefit.Ledger
	Engine   *benefit.Engine
	Registry *chronic.Registry
	Matcher  *preapproval.Matcher
	Workflow *preapproval.Workflow
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(catalog benefit.BenefitCatalog, ledger *benefit.Ledger, engine *benefit.Engine, registry *chronic.Registry, matcher *preapproval.Matcher, workflow *preapproval.Workflow) *Handler {
	return &Handler{
		Catalog:  catalog,
		Ledger:   ledger,
		Engine:   engine,
		Registry: registry,
		Matcher:  matcher,
		Workflow: workflow,
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetBalance returns the remaining regular limit for a service code.
// GET /api/members/{id}/balance?service_code=GP-VISIT&year=2026
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID := benefit.MemberID(chi.URLParam(r, "id"))
	code := r.URL.Query().Get("service_code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "service_code query parameter is required", nil)
		return
	}
	year := queryYear(r)

	entry, err := h.Catalog.ByServiceCode(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to resolve benefit", err)
		return
	}

	usage, err := h.Ledger.Usage.GetUsage(r.Context(), memberID, entry.ID, year)
	if err != nil {
		writeDomainError(w, "Failed to load usage", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		MemberID:    string(memberID),
		ServiceCode: code,
		BenefitID:   string(entry.ID),
		Category:    entry.Category,
		Year:        year,
		LimitAmount: entry.LimitAmount.String(),
		UsedAmount:  usage.UsedAmount.String(),
		UsedCount:   usage.UsedCount,
		Remaining:   entry.LimitAmount.Sub(usage.UsedAmount).String(),
		AsOf:        time.Now().UTC().Format(time.RFC3339),
	})
}

// GetConditions lists a member's chronic condition links.
// GET /api/members/{id}/conditions
func (h *Handler) GetConditions(w http.ResponseWriter, r *http.Request) {
	memberID := benefit.MemberID(chi.URLParam(r, "id"))
	now := time.Now().UTC()

	links, err := h.Registry.Store.LinksByMember(r.Context(), memberID)
	if err != nil {
		writeDomainError(w, "Failed to load conditions", err)
		return
	}

	dtos := make([]MemberConditionDTO, len(links))
	for i, link := range links {
		dtos[i] = toMemberConditionDTO(link, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// PriceClaim prices claim lines without touching the ledger.
// POST /api/claims/price
func (h *Handler) PriceClaim(w http.ResponseWriter, r *http.Request) {
	h.adjudicate(w, r, false)
}

// AdjudicateClaim prices and commits claim lines: debits the ledger and
// transitions items to approved.
// POST /api/claims/adjudicate
func (h *Handler) AdjudicateClaim(w http.ResponseWriter, r *http.Request) {
	h.adjudicate(w, r, true)
}

func (h *Handler) adjudicate(w http.ResponseWriter, r *http.Request, commit bool) {
	var req AdjudicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, "member_id is required", nil)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one claim item is required", nil)
		return
	}

	now := time.Now().UTC()
	year := req.Year
	if year == 0 {
		year = now.Year()
	}
	actor := req.Actor
	if actor == "" {
		actor = "system:api"
	}
	memberID := benefit.MemberID(req.MemberID)

	var results []benefit.LineResult
	var lines []LineResultDTO
	for _, ir := range req.Items {
		item, err := claimItemFromRequest(ir)
		if err != nil {
			writeDomainError(w, "Invalid claim item", err)
			return
		}

		res, err := h.Engine.PriceLine(r.Context(), memberID, item, year, now)
		if err != nil {
			writeDomainError(w, "Pricing failed", err)
			return
		}

		if commit {
			res, err = h.Engine.CommitLine(r.Context(), memberID, &item, res, year, actor)
			if err != nil {
				writeDomainError(w, "Adjudication failed", err)
				return
			}
			// A consumed override is single-use: finalize it.
			if res.FromApproval.IsPositive() && item.PreApprovalNumber != "" {
				if _, err := h.Workflow.Consume(r.Context(), item.PreApprovalNumber, memberID, actor); err != nil {
					writeDomainError(w, "Failed to consume pre-approval", err)
					return
				}
			}
		}

		results = append(results, res)
		lines = append(lines, toLineResultDTO(res))
	}

	totals := h.Engine.ComputeClaimTotals(results)
	writeJSON(w, http.StatusOK, AdjudicationResponse{
		MemberID:  req.MemberID,
		Year:      year,
		Committed: commit,
		Lines:     lines,
		Totals: ClaimTotalsDTO{
			TotalAmount:        totals.TotalAmount.String(),
			CoveredAmount:      totals.CoveredAmount.String(),
			MemberContribution: totals.MemberContribution.String(),
		},
	})
}

// =============================================================================
// PRE-APPROVAL HANDLERS
// =============================================================================

// CheckPreApproval returns the requirement verdict without creating anything.
// POST /api/preapprovals/check
func (h *Handler) CheckPreApproval(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	verdict, err := h.evaluate(r, req.MemberID, req.ServiceCode, req.ProviderType, req.Amount, req.Year)
	if err != nil {
		writeDomainError(w, "Requirement check failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toRequirementDTO(verdict))
}

// CreatePreApproval evaluates the requirement and opens an authorization.
// POST /api/preapprovals
func (h *Handler) CreatePreApproval(w http.ResponseWriter, r *http.Request) {
	var req CreatePreApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	verdict, err := h.evaluate(r, req.MemberID, req.ServiceCode, req.ProviderType, req.Amount, req.Year)
	if err != nil {
		writeDomainError(w, "Requirement check failed", err)
		return
	}

	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		writeDomainError(w, "Invalid amount", err)
		return
	}

	p, err := h.Workflow.Create(r.Context(), preapproval.CreateRequest{
		MemberID:     benefit.MemberID(req.MemberID),
		ServiceCode:  req.ServiceCode,
		ProviderType: req.ProviderType,
		Amount:       amount,
		RequestedBy:  req.RequestedBy,
	}, verdict)
	if err != nil {
		writeDomainError(w, "Failed to create pre-approval", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPreApprovalDTO(p))
}

// GetPreApproval returns one authorization record.
// GET /api/preapprovals/{id}
func (h *Handler) GetPreApproval(w http.ResponseWriter, r *http.Request) {
	p, err := h.Workflow.Store.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get pre-approval", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// ListPreApprovals lists records filtered by member and/or status.
// GET /api/preapprovals?member_id=M1&status=PENDING&status=UNDER_MEDICAL_REVIEW
func (h *Handler) ListPreApprovals(w http.ResponseWriter, r *http.Request) {
	memberID := benefit.MemberID(r.URL.Query().Get("member_id"))
	var statuses []preapproval.Status
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, preapproval.Status(s))
	}

	records, err := h.Workflow.Store.ListApprovalsByStatus(r.Context(), memberID, statuses...)
	if err != nil {
		writeDomainError(w, "Failed to list pre-approvals", err)
		return
	}

	dtos := make([]PreApprovalDTO, len(records))
	for i, p := range records {
		dtos[i] = toPreApprovalDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitPreApproval routes an open request to a review queue.
// POST /api/preapprovals/{id}/submit
func (h *Handler) SubmitPreApproval(w http.ResponseWriter, r *http.Request) {
	var req SubmitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Workflow.SubmitForReview(r.Context(), chi.URLParam(r, "id"), preapproval.Status(req.To), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to submit for review", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// ApprovePreApproval decides a request (full or partial).
// POST /api/preapprovals/{id}/approve
func (h *Handler) ApprovePreApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		writeDomainError(w, "Invalid amount", err)
		return
	}

	p, err := h.Workflow.Approve(r.Context(), chi.URLParam(r, "id"), amount, req.Reviewer, req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to approve", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// RejectPreApproval declines a request.
// POST /api/preapprovals/{id}/reject
func (h *Handler) RejectPreApproval(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Workflow.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to reject", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// CancelPreApproval withdraws a request.
// POST /api/preapprovals/{id}/cancel
func (h *Handler) CancelPreApproval(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Workflow.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// ConsumePreApproval marks a decided authorization as used.
// POST /api/preapprovals/consume
func (h *Handler) ConsumePreApproval(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Workflow.Consume(r.Context(), req.ApprovalNumber, benefit.MemberID(req.MemberID), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to consume", err)
		return
	}
	writeJSON(w, http.StatusOK, toPreApprovalDTO(p))
}

// TriggerExpiry runs an expiry sweep immediately.
// POST /api/admin/expire
func (h *Handler) TriggerExpiry(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	expired, err := h.Workflow.ExpireDue(r.Context(), now)
	if err != nil {
		writeDomainError(w, "Expiry sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireSweepResponse{
		Expired: expired,
		AsOf:    now.Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) evaluate(r *http.Request, memberID, serviceCode, providerType, amount string, year int) (preapproval.Requirement, error) {
	money, err := parseMoney("amount", amount)
	if err != nil {
		return preapproval.Requirement{}, err
	}
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	return h.Matcher.Evaluate(r.Context(), preapproval.EvaluateRequest{
		MemberID:     benefit.MemberID(memberID),
		ServiceCode:  serviceCode,
		ProviderType: providerType,
		Amount:       money,
		Year:         year,
		AsOf:         time.Now().UTC(),
	})
}

func toRequirementDTO(v preapproval.Requirement) RequirementDTO {
	dto := RequirementDTO{
		Required:       v.Required,
		Reasons:        v.Reasons,
		Level:          v.Level.String(),
		CanAutoApprove: v.CanAutoApprove,
		MatchedRuleID:  v.MatchedRuleID,
	}
	if v.ExceedAmount.IsPositive() {
		dto.ExceedAmount = v.ExceedAmount.String()
	}
	return dto
}

func claimItemFromRequest(ir ClaimItemRequest) (benefit.ClaimItem, error) {
	price, err := parseMoney("unit_price", ir.UnitPrice)
	if err != nil {
		return benefit.ClaimItem{}, err
	}
	serviceDate, err := time.Parse("2006-01-02", ir.ServiceDate)
	if err != nil {
		return benefit.ClaimItem{}, &benefit.ValidationError{Field: "service_date", Message: "must be YYYY-MM-DD"}
	}
	return benefit.ClaimItem{
		ID:                benefit.ClaimItemID(ir.ID),
		ServiceCode:       ir.ServiceCode,
		Quantity:          ir.Quantity,
		UnitPrice:         price,
		ServiceDate:       serviceDate,
		Status:            benefit.ItemPending,
		PreApprovalNumber: ir.PreApprovalNumber,
	}, nil
}

func parseMoney(field, s string) (benefit.Money, error) {
	if s == "" {
		return benefit.Money{}, &benefit.ValidationError{Field: field, Message: "required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return benefit.Money{}, &benefit.ValidationError{Field: field, Message: "invalid decimal: " + s}
	}
	return benefit.Money{Value: d}, nil
}

func queryYear(r *http.Request) int {
	if y := r.URL.Query().Get("year"); y != "" {
		if year, err := strconv.Atoi(y); err == nil && year > 0 {
			return year
		}
	}
	return time.Now().UTC().Year()
}

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

// writeDomainError maps the engine's error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, benefit.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case benefit.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, benefit.ErrConcurrentUpdate), errors.Is(err, benefit.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, benefit.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
