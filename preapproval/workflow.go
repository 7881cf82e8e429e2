/*
workflow.go - Pre-approval lifecycle state machine

PURPOSE:
  A PreApproval is the durable record of an authorization request. It moves
  through an explicit transition table; anything not in the table is an
  InvalidStateTransitionError, reported and never coerced.

LIFECYCLE:
  PENDING -> UNDER_MEDICAL_REVIEW | UNDER_MANAGER_REVIEW | APPROVED (auto)
           | REJECTED | CANCELLED | EXPIRED
  UNDER_MEDICAL_REVIEW -> UNDER_MANAGER_REVIEW | APPROVED | PARTIALLY_APPROVED
           | REJECTED | CANCELLED | EXPIRED
  UNDER_MANAGER_REVIEW -> APPROVED | PARTIALLY_APPROVED | REJECTED
           | CANCELLED | EXPIRED
  APPROVED / PARTIALLY_APPROVED -> USED | EXPIRED | CANCELLED

  APPROVED, PARTIALLY_APPROVED are terminal for the DECISION but not for the
  record: an approval can still expire, be cancelled, or be consumed.
  REJECTED, EXPIRED, USED, CANCELLED are fully terminal.

IDEMPOTENCY:
  - Expire is idempotent: expiring an already-expired record is a no-op.
  - Consume is NOT idempotent: consuming a USED approval fails, because a
    double consume means a double benefit payout.

CONCURRENCY:
  Every mutation goes through Store.Update with the version the workflow
  read. Two reviewers deciding the same record race cleanly: exactly one
  decision lands, the other gets ErrConcurrentUpdate.

SEE ALSO:
  - rules.go: How a Requirement verdict decides the initial routing
  - benefit/engine.go: AuthorizedAmount consumer (shortfall override)
*/
package preapproval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sufyanhr/waad-claims-engine/benefit"
)

// =============================================================================
// STATUS AND TRANSITION TABLE
// =============================================================================

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusUnderMedicalReview Status = "UNDER_MEDICAL_REVIEW"
	StatusUnderManagerReview Status = "UNDER_MANAGER_REVIEW"
	StatusApproved           Status = "APPROVED"
	StatusPartiallyApproved  Status = "PARTIALLY_APPROVED"
	StatusRejected           Status = "REJECTED"
	StatusExpired            Status = "EXPIRED"
	StatusUsed               Status = "USED"
	StatusCancelled          Status = "CANCELLED"
)

// transitions is the closed legality table. A transition absent here is
// illegal, full stop.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusUnderMedicalReview: true,
		StatusUnderManagerReview: true,
		StatusApproved:           true,
		StatusPartiallyApproved:  true,
		StatusRejected:           true,
		StatusCancelled:          true,
	},
	StatusUnderMedicalReview: {
		StatusApproved:          true,
		StatusPartiallyApproved: true,
		StatusRejected:          true,
		StatusCancelled:         true,
	},
	StatusUnderManagerReview: {
		StatusApproved:          true,
		StatusPartiallyApproved: true,
		StatusRejected:          true,
		StatusCancelled:         true,
	},
	// Only decided records expire; an undecided one has no validity window.
	// A decided record cannot be cancelled, only consumed or left to expire.
	StatusApproved: {
		StatusUsed:    true,
		StatusExpired: true,
	},
	StatusPartiallyApproved: {
		StatusUsed:    true,
		StatusExpired: true,
	},
	// REJECTED, EXPIRED, USED, CANCELLED: no exits.
}

// CanTransition reports whether from -> to is in the legality table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// IsDecided reports whether the approval carries a usable positive decision.
func IsDecided(s Status) bool {
	return s == StatusApproved || s == StatusPartiallyApproved
}

// =============================================================================
// PRE-APPROVAL RECORD
// =============================================================================

type Type string

const (
	TypeChronic     Type = "chronic"
	TypeExceedLimit Type = "exceed_limit"
	TypeRule        Type = "rule"
)

type PreApproval struct {
	ID             string
	ApprovalNumber string // human-facing, PA-YYYYMMDD-xxxxxxxx

	MemberID     benefit.MemberID
	ServiceCode  string
	ProviderType string

	Type          Type
	Status        Status
	RequiredLevel Level

	RequestedAmount benefit.Money
	ApprovedAmount  benefit.Money // set on APPROVED / PARTIALLY_APPROVED
	ExceedAmount    benefit.Money // carried from the requirement verdict
	Reasons         []string
	MatchedRuleID   string

	// Validity window, set when the decision lands. A decided approval is
	// only usable while now <= ValidUntil.
	ValidFrom  time.Time
	ValidUntil time.Time

	RequestedBy  string
	ReviewedBy   string
	ReviewNotes  string
	AutoApproved bool

	CreatedAt time.Time
	DecidedAt time.Time
	UpdatedAt time.Time

	Version int64
}

// Usable reports whether the approval authorizes spending at the given time.
func (p PreApproval) Usable(asOf time.Time) bool {
	if !IsDecided(p.Status) {
		return false
	}
	if !p.ValidUntil.IsZero() && asOf.After(p.ValidUntil) {
		return false
	}
	return true
}

// =============================================================================
// STORE
// =============================================================================

type ApprovalStore interface {
	// CreateApproval persists a new record. The approval number must be
	// unique; a collision returns ConflictError{Resource: "approval"}.
	CreateApproval(ctx context.Context, p PreApproval) error

	// GetApproval resolves a record by ID. Returns
	// NotFoundError{Kind: "approval"} when absent.
	GetApproval(ctx context.Context, id string) (PreApproval, error)

	// GetApprovalByNumber resolves a record by its approval number.
	GetApprovalByNumber(ctx context.Context, number string) (PreApproval, error)

	// UpdateApproval writes the record if its stored version still equals
	// expectedVersion; on mismatch it returns an error wrapping
	// ErrConcurrentUpdate.
	UpdateApproval(ctx context.Context, p PreApproval, expectedVersion int64) error

	// ListApprovalsByStatus returns records in the given statuses for a
	// member; empty memberID means all members.
	ListApprovalsByStatus(ctx context.Context, memberID benefit.MemberID, statuses ...Status) ([]PreApproval, error)

	// ListExpiring returns non-terminal records whose validity window ends
	// at or before the cutoff. The sweep applies the strict boundary check.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]PreApproval, error)
}

// =============================================================================
// WORKFLOW
// =============================================================================

// DefaultValidityDays applies when neither the matched rule nor the caller
// provides a validity window length.
const DefaultValidityDays = 30

type Workflow struct {
	Store ApprovalStore
	Audit benefit.AuditLog

	// Now is swappable for tests; defaults to time.Now UTC.
	Now func() time.Time
}

func NewWorkflow(store ApprovalStore, audit benefit.AuditLog) *Workflow {
	if audit == nil {
		audit = benefit.NopAuditLog{}
	}
	return &Workflow{Store: store, Audit: audit, Now: func() time.Time { return time.Now().UTC() }}
}

// CreateRequest captures the original request a Requirement verdict was
// computed for.
type CreateRequest struct {
	MemberID     benefit.MemberID
	ServiceCode  string
	ProviderType string
	Amount       benefit.Money
	RequestedBy  string
}

// Create opens a pre-approval for a requirement verdict. Auto-approvable
// requests are decided immediately (PENDING -> APPROVED in one write) at the
// full requested amount; everything else lands in PENDING awaiting routing.
func (w *Workflow) Create(ctx context.Context, req CreateRequest, verdict Requirement) (PreApproval, error) {
	if req.MemberID == "" {
		return PreApproval{}, &benefit.ValidationError{Field: "memberId", Message: "required"}
	}
	if req.ServiceCode == "" {
		return PreApproval{}, &benefit.ValidationError{Field: "serviceCode", Message: "required"}
	}
	if !req.Amount.IsPositive() {
		return PreApproval{}, &benefit.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !verdict.Required {
		return PreApproval{}, &benefit.ValidationError{Field: "requirement", Message: "no pre-approval required for this request"}
	}

	now := w.Now()
	p := PreApproval{
		ID:              uuid.NewString(),
		ApprovalNumber:  newApprovalNumber(now),
		MemberID:        req.MemberID,
		ServiceCode:     req.ServiceCode,
		ProviderType:    req.ProviderType,
		Type:            approvalType(verdict),
		Status:          StatusPending,
		RequiredLevel:   verdict.Level,
		RequestedAmount: req.Amount,
		ApprovedAmount:  benefit.ZeroMoney(),
		ExceedAmount:    verdict.ExceedAmount,
		Reasons:         verdict.Reasons,
		MatchedRuleID:   verdict.MatchedRuleID,
		RequestedBy:     req.RequestedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if verdict.CanAutoApprove {
		p.Status = StatusApproved
		p.ApprovedAmount = req.Amount
		p.AutoApproved = true
		p.ReviewedBy = "system:auto"
		p.DecidedAt = now
		p.ValidFrom = now
		p.ValidUntil = now.AddDate(0, 0, validityDays(verdict.MatchedRule))
	}

	if err := w.Store.CreateApproval(ctx, p); err != nil {
		return PreApproval{}, err
	}

	w.audit(ctx, p, benefit.AuditApprovalCreated, req.RequestedBy,
		fmt.Sprintf("created %s (%s), status %s", p.ApprovalNumber, p.Type, p.Status))
	return p, nil
}

// SubmitForReview routes a PENDING request to the review queue matching the
// required level: UNDER_MEDICAL_REVIEW for MEDICAL, UNDER_MANAGER_REVIEW for
// MANAGER and DIRECTOR. A record already in review stays in its queue.
func (w *Workflow) SubmitForReview(ctx context.Context, id string, to Status, actor string) (PreApproval, error) {
	if to != StatusUnderMedicalReview && to != StatusUnderManagerReview {
		return PreApproval{}, &benefit.ValidationError{Field: "status", Message: "review target must be a review status"}
	}
	return w.transition(ctx, id, to, "submit_for_review", func(p *PreApproval) error {
		return nil
	}, actor, "routed to "+string(to))
}

// Approve decides the request. amount == requested yields APPROVED; a lower
// positive amount yields PARTIALLY_APPROVED. The validity window starts now.
func (w *Workflow) Approve(ctx context.Context, id string, amount benefit.Money, reviewer, notes string) (PreApproval, error) {
	if reviewer == "" {
		return PreApproval{}, &benefit.ValidationError{Field: "reviewer", Message: "required"}
	}
	if !amount.IsPositive() {
		return PreApproval{}, &benefit.ValidationError{Field: "amount", Message: "approved amount must be positive"}
	}

	p, err := w.Store.GetApproval(ctx, id)
	if err != nil {
		return PreApproval{}, err
	}
	if amount.GreaterThan(p.RequestedAmount) {
		return PreApproval{}, &benefit.ValidationError{Field: "amount", Message: "approved amount exceeds requested amount"}
	}

	to := StatusApproved
	if amount.LessThan(p.RequestedAmount) {
		to = StatusPartiallyApproved
	}

	return w.transition(ctx, id, to, "approve", func(p *PreApproval) error {
		now := w.Now()
		p.ApprovedAmount = amount
		p.ReviewedBy = reviewer
		p.ReviewNotes = notes
		p.DecidedAt = now
		p.ValidFrom = now
		p.ValidUntil = now.AddDate(0, 0, DefaultValidityDays)
		return nil
	}, reviewer, fmt.Sprintf("decision %s, amount %s", to, amount))
}

// Reject declines the request with a mandatory reason.
func (w *Workflow) Reject(ctx context.Context, id, reviewer, reason string) (PreApproval, error) {
	if reviewer == "" {
		return PreApproval{}, &benefit.ValidationError{Field: "reviewer", Message: "required"}
	}
	if reason == "" {
		return PreApproval{}, &benefit.ValidationError{Field: "reason", Message: "rejection requires a reason"}
	}
	return w.transition(ctx, id, StatusRejected, "reject", func(p *PreApproval) error {
		p.ReviewedBy = reviewer
		p.ReviewNotes = reason
		p.DecidedAt = w.Now()
		return nil
	}, reviewer, "rejected: "+reason)
}

// Cancel withdraws an undecided request (PENDING or in review). A decided
// approval cannot be withdrawn; it is consumed or left to expire.
func (w *Workflow) Cancel(ctx context.Context, id, actor, reason string) (PreApproval, error) {
	return w.transition(ctx, id, StatusCancelled, "cancel", func(p *PreApproval) error {
		p.ReviewNotes = reason
		return nil
	}, actor, "cancelled: "+reason)
}

// Consume marks a decided approval USED when its claim is finalized. NOT
// idempotent: consuming twice is an InvalidStateTransitionError, because a
// second consume would mean a second payout against the same authorization.
func (w *Workflow) Consume(ctx context.Context, approvalNumber string, memberID benefit.MemberID, actor string) (PreApproval, error) {
	p, err := w.Store.GetApprovalByNumber(ctx, approvalNumber)
	if err != nil {
		return PreApproval{}, err
	}
	if p.MemberID != memberID {
		return PreApproval{}, &benefit.NotFoundError{Kind: "approval", Ref: approvalNumber}
	}
	if !p.Usable(w.Now()) {
		return PreApproval{}, &benefit.InvalidStateTransitionError{
			Entity: "pre_approval",
			ID:     p.ApprovalNumber,
			From:   string(p.Status),
			Op:     "consume",
		}
	}
	return w.transition(ctx, p.ID, StatusUsed, "consume", func(p *PreApproval) error {
		return nil
	}, actor, "consumed by claim finalization")
}

// ExpireDue sweeps records whose validity window has passed and expires
// them. Idempotent: records already EXPIRED (or raced into another terminal
// state) are skipped, not errors. Returns the number of records expired.
func (w *Workflow) ExpireDue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := w.Store.ListExpiring(ctx, asOf)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range due {
		if !CanTransition(p.Status, StatusExpired) {
			continue
		}
		// Strictly past the window. At the boundary instant the record is
		// still usable (see Usable), so it must not expire yet.
		if p.ValidUntil.IsZero() || !asOf.After(p.ValidUntil) {
			continue
		}
		if _, err := w.transition(ctx, p.ID, StatusExpired, "expire", func(p *PreApproval) error {
			return nil
		}, "system:expiry", "validity window ended "+p.ValidUntil.Format(time.RFC3339)); err != nil {
			// A racing decision or consume is fine; the sweep picks the
			// record up again next run if it is still due.
			if benefit.IsRetryable(err) || benefit.IsNotFound(err) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// AuthorizedAmount implements benefit.ApprovalSource: the approved amount of
// a usable authorization for the member, or NotFoundError when none exists.
func (w *Workflow) AuthorizedAmount(ctx context.Context, approvalNumber string, memberID benefit.MemberID, asOf time.Time) (benefit.Money, error) {
	p, err := w.Store.GetApprovalByNumber(ctx, approvalNumber)
	if err != nil {
		return benefit.Money{}, err
	}
	if p.MemberID != memberID || !p.Usable(asOf) {
		return benefit.Money{}, &benefit.NotFoundError{Kind: "approval", Ref: approvalNumber}
	}
	return p.ApprovedAmount, nil
}

var _ benefit.ApprovalSource = (*Workflow)(nil)

// =============================================================================
// INTERNALS
// =============================================================================

// transition is the single mutation path: check the legality table, apply
// the mutator, write with the version read.
func (w *Workflow) transition(ctx context.Context, id string, to Status, op string, mutate func(*PreApproval) error, actor, detail string) (PreApproval, error) {
	p, err := w.Store.GetApproval(ctx, id)
	if err != nil {
		return PreApproval{}, err
	}

	if !CanTransition(p.Status, to) {
		return PreApproval{}, &benefit.InvalidStateTransitionError{
			Entity: "pre_approval",
			ID:     p.ApprovalNumber,
			From:   string(p.Status),
			Op:     op,
		}
	}

	expected := p.Version
	if err := mutate(&p); err != nil {
		return PreApproval{}, err
	}
	p.Status = to
	p.UpdatedAt = w.Now()

	if err := w.Store.UpdateApproval(ctx, p, expected); err != nil {
		return PreApproval{}, err
	}

	action := benefit.AuditApprovalDecision
	switch to {
	case StatusExpired:
		action = benefit.AuditApprovalExpired
	case StatusUsed:
		action = benefit.AuditApprovalConsumed
	}
	w.audit(ctx, p, action, actor, detail)
	return p, nil
}

func (w *Workflow) audit(ctx context.Context, p PreApproval, action benefit.AuditAction, actor, detail string) {
	// Audit failures never fail the workflow operation itself.
	_ = w.Audit.AppendAudit(ctx, benefit.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: w.Now(),
		ActorID:   actor,
		Action:    action,
		MemberID:  p.MemberID,
		Reference: p.ApprovalNumber,
		Detail:    detail,
	})
}

func approvalType(verdict Requirement) Type {
	for _, r := range verdict.Reasons {
		if r == ReasonMandatoryChronic {
			return TypeChronic
		}
	}
	for _, r := range verdict.Reasons {
		if r == ReasonExceedLimit {
			return TypeExceedLimit
		}
	}
	return TypeRule
}

func validityDays(rule *Rule) int {
	if rule != nil && rule.ValidityDays > 0 {
		return rule.ValidityDays
	}
	return DefaultValidityDays
}

// newApprovalNumber builds a human-facing reference: PA-YYYYMMDD-xxxxxxxx.
func newApprovalNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("PA-%s-%s", now.Format("20060102"), suffix)
}
