/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

CONVENTIONS:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - Monetary amounts travel as decimal strings ("160.00"), never floats.
  - Timestamps are RFC 3339; dates are YYYY-MM-DD.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: Rule/benefit wire formats (config loading)
*/
package api

import (
	"time"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// =============================================================================
// BALANCE
// =============================================================================

// BalanceDTO reports a member's remaining regular limit for one benefit.
type BalanceDTO struct {
	MemberID    string `json:"member_id"`
	ServiceCode string `json:"service_code"`
	BenefitID   string `json:"benefit_id"`
	Category    string `json:"category,omitempty"`
	Year        int    `json:"year"`
	LimitAmount string `json:"limit_amount"`
	UsedAmount  string `json:"used_amount"`
	UsedCount   int    `json:"used_count"`
	Remaining   string `json:"remaining"`
	AsOf        string `json:"as_of"`
}

// =============================================================================
// CLAIMS
// =============================================================================

// ClaimItemRequest is one requested service line.
type ClaimItemRequest struct {
	ID                string `json:"id"`
	ServiceCode       string `json:"service_code"`
	Quantity          int    `json:"quantity"`
	UnitPrice         string `json:"unit_price"`
	ServiceDate       string `json:"service_date"` // YYYY-MM-DD
	PreApprovalNumber string `json:"pre_approval_number,omitempty"`
}

// AdjudicateRequest prices or commits a set of claim lines for a member.
type AdjudicateRequest struct {
	MemberID string             `json:"member_id"`
	Year     int                `json:"year,omitempty"` // default: current year
	Actor    string             `json:"actor,omitempty"`
	Items    []ClaimItemRequest `json:"items"`
}

// LineResultDTO is the computed financial split for one claim line.
type LineResultDTO struct {
	ItemID             string `json:"item_id"`
	ServiceCode        string `json:"service_code"`
	TotalAmount        string `json:"total_amount"`
	CoveredAmount      string `json:"covered_amount"`
	MemberContribution string `json:"member_contribution"`
	CoveragePercent    string `json:"coverage_percent"`
	FromRegular        string `json:"from_regular"`
	FromExtra          string `json:"from_extra,omitempty"`
	FromApproval       string `json:"from_approval,omitempty"`
	Shortfall          string `json:"shortfall,omitempty"`
}

// AdjudicationResponse wraps per-line results with claim totals.
type AdjudicationResponse struct {
	MemberID  string          `json:"member_id"`
	Year      int             `json:"year"`
	Committed bool            `json:"committed"`
	Lines     []LineResultDTO `json:"lines"`
	Totals    ClaimTotalsDTO  `json:"totals"`
}

// ClaimTotalsDTO sums the line results.
type ClaimTotalsDTO struct {
	TotalAmount        string `json:"total_amount"`
	CoveredAmount      string `json:"covered_amount"`
	MemberContribution string `json:"member_contribution"`
}

// =============================================================================
// PRE-APPROVALS
// =============================================================================

// CheckRequest asks whether a requested service needs prior authorization.
type CheckRequest struct {
	MemberID     string `json:"member_id"`
	ServiceCode  string `json:"service_code"`
	ProviderType string `json:"provider_type,omitempty"`
	Amount       string `json:"amount"`
	Year         int    `json:"year,omitempty"`
}

// RequirementDTO is the verdict for a CheckRequest.
type RequirementDTO struct {
	Required       bool     `json:"required"`
	Reasons        []string `json:"reasons,omitempty"`
	Level          string   `json:"level"`
	ExceedAmount   string   `json:"exceed_amount,omitempty"`
	CanAutoApprove bool     `json:"can_auto_approve"`
	MatchedRuleID  string   `json:"matched_rule_id,omitempty"`
}

// CreatePreApprovalRequest opens an authorization request. The requirement
// is re-evaluated server-side; clients never assert their own verdict.
type CreatePreApprovalRequest struct {
	MemberID     string `json:"member_id"`
	ServiceCode  string `json:"service_code"`
	ProviderType string `json:"provider_type,omitempty"`
	Amount       string `json:"amount"`
	Year         int    `json:"year,omitempty"`
	RequestedBy  string `json:"requested_by"`
}

// PreApprovalDTO is the full authorization record.
type PreApprovalDTO struct {
	ID              string   `json:"id"`
	ApprovalNumber  string   `json:"approval_number"`
	MemberID        string   `json:"member_id"`
	ServiceCode     string   `json:"service_code"`
	ProviderType    string   `json:"provider_type,omitempty"`
	Type            string   `json:"type"`
	Status          string   `json:"status"`
	RequiredLevel   string   `json:"required_level"`
	RequestedAmount string   `json:"requested_amount"`
	ApprovedAmount  string   `json:"approved_amount,omitempty"`
	ExceedAmount    string   `json:"exceed_amount,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
	MatchedRuleID   string   `json:"matched_rule_id,omitempty"`
	ValidFrom       string   `json:"valid_from,omitempty"`
	ValidUntil      string   `json:"valid_until,omitempty"`
	RequestedBy     string   `json:"requested_by,omitempty"`
	ReviewedBy      string   `json:"reviewed_by,omitempty"`
	ReviewNotes     string   `json:"review_notes,omitempty"`
	AutoApproved    bool     `json:"auto_approved"`
	CreatedAt       string   `json:"created_at"`
	DecidedAt       string   `json:"decided_at,omitempty"`
}

// SubmitReviewRequest routes an open request to a review queue.
type SubmitReviewRequest struct {
	To    string `json:"to"` // UNDER_MEDICAL_REVIEW or UNDER_MANAGER_REVIEW
	Actor string `json:"actor"`
}

// DecisionRequest carries an approve decision.
type DecisionRequest struct {
	Amount   string `json:"amount"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// RejectRequest carries a reject decision.
type RejectRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

// CancelRequest withdraws an open or decided authorization.
type CancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ConsumeRequest marks a decided authorization as used.
type ConsumeRequest struct {
	ApprovalNumber string `json:"approval_number"`
	MemberID       string `json:"member_id"`
	Actor          string `json:"actor"`
}

// ExpireSweepResponse reports an expiry sweep outcome.
type ExpireSweepResponse struct {
	Expired int    `json:"expired"`
	AsOf    string `json:"as_of"`
}

// =============================================================================
// CHRONIC CONDITIONS
// =============================================================================

// MemberConditionDTO is one chronic condition link.
type MemberConditionDTO struct {
	ID               string `json:"id"`
	ConditionCode    string `json:"condition_code"`
	DiagnosisDate    string `json:"diagnosis_date"`
	ExtraLimit       string `json:"extra_limit"`
	ExtraLimitUsed   string `json:"extra_limit_used"`
	ExtraRemaining   string `json:"extra_remaining"`
	ValidFrom        string `json:"valid_from"`
	ValidUntil       string `json:"valid_until,omitempty"`
	Active           bool   `json:"active"`
	MandatoryReview  bool   `json:"mandatory_review"`
	CurrentlyValid   bool   `json:"currently_valid"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toLineResultDTO(r benefit.LineResult) LineResultDTO {
	dto := LineResultDTO{
		ItemID:             string(r.ItemID),
		ServiceCode:        r.ServiceCode,
		TotalAmount:        r.TotalAmount.String(),
		CoveredAmount:      r.CoveredAmount.String(),
		MemberContribution: r.MemberContribution.String(),
		CoveragePercent:    r.CoveragePercent.String(),
		FromRegular:        r.FromRegular.String(),
	}
	if r.FromExtra.IsPositive() {
		dto.FromExtra = r.FromExtra.String()
	}
	if r.FromApproval.IsPositive() {
		dto.FromApproval = r.FromApproval.String()
	}
	if r.Shortfall.IsPositive() {
		dto.Shortfall = r.Shortfall.String()
	}
	return dto
}

func toPreApprovalDTO(p preapproval.PreApproval) PreApprovalDTO {
	dto := PreApprovalDTO{
		ID:              p.ID,
		ApprovalNumber:  p.ApprovalNumber,
		MemberID:        string(p.MemberID),
		ServiceCode:     p.ServiceCode,
		ProviderType:    p.ProviderType,
		Type:            string(p.Type),
		Status:          string(p.Status),
		RequiredLevel:   p.RequiredLevel.String(),
		RequestedAmount: p.RequestedAmount.String(),
		Reasons:         p.Reasons,
		MatchedRuleID:   p.MatchedRuleID,
		RequestedBy:     p.RequestedBy,
		ReviewedBy:      p.ReviewedBy,
		ReviewNotes:     p.ReviewNotes,
		AutoApproved:    p.AutoApproved,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
	if p.ApprovedAmount.IsPositive() {
		dto.ApprovedAmount = p.ApprovedAmount.String()
	}
	if p.ExceedAmount.IsPositive() {
		dto.ExceedAmount = p.ExceedAmount.String()
	}
	if !p.ValidFrom.IsZero() {
		dto.ValidFrom = p.ValidFrom.Format(time.RFC3339)
	}
	if !p.ValidUntil.IsZero() {
		dto.ValidUntil = p.ValidUntil.Format(time.RFC3339)
	}
	if !p.DecidedAt.IsZero() {
		dto.DecidedAt = p.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func toMemberConditionDTO(link chronic.MemberCondition, asOf time.Time) MemberConditionDTO {
	dto := MemberConditionDTO{
		ID:              link.ID,
		ConditionCode:   link.ConditionCode,
		DiagnosisDate:   link.DiagnosisDate.Format("2006-01-02"),
		ExtraLimit:      link.ExtraLimit.String(),
		ExtraLimitUsed:  link.ExtraLimitUsed.String(),
		ExtraRemaining:  link.ExtraRemaining().String(),
		ValidFrom:       link.ValidFrom.Format("2006-01-02"),
		Active:          link.Active,
		MandatoryReview: link.RequiresMandatoryPreApproval,
		CurrentlyValid:  link.CurrentlyValid(asOf),
	}
	if !link.ValidUntil.IsZero() {
		dto.ValidUntil = link.ValidUntil.Format("2006-01-02")
	}
	return dto
}
