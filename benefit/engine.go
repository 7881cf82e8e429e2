/*
engine.go - Line-cost computation and claim adjudication

PURPOSE:
  Computes the financial split of a claim line: how much the policy covers
  (from the regular limit first, then any chronic extra limit) and how much
  the member pays. Enforces the core identity

      coveredAmount + memberContribution == totalAmount

  exactly, after rounding.

COMPUTE vs COMMIT:
  ComputeLineCost and PriceLine are pure/read-only and may run with
  arbitrary parallelism. CommitLine is the single place the ledger is
  debited, and only when the claim line transitions PENDING -> APPROVED.
  This split keeps dry-run pricing (pre-approval checks, quotes)
  side-effect free and repeatable.

LIMIT ORDER:
  Regular limit first, then chronic extra. The shortfall that neither limit
  absorbs becomes member contribution unless a linked, still-valid
  pre-approval authorizes it (FromApproval).

EXAMPLE:
  unitPrice=100, quantity=2, coverage=80%, regularRemaining=1000
  => total=200, covered=160, memberContribution=40, debit 160 from regular.

SEE ALSO:
  - ledger.go: The debit operations CommitLine drives
  - preapproval/workflow.go: Where the linked authorization is consumed
*/
package benefit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPROVAL SOURCE - Narrow view of the pre-approval workflow
// =============================================================================

// ApprovalSource lets the engine ask whether a claim line's linked
// pre-approval still authorizes an excess amount. Implemented by
// preapproval.Workflow.
type ApprovalSource interface {
	// AuthorizedAmount returns the approved amount of a usable (approved,
	// unexpired, unconsumed) pre-approval for the member. Returns
	// NotFoundError{Kind: "approval"} when no usable authorization exists.
	AuthorizedAmount(ctx context.Context, approvalNumber string, memberID MemberID, asOf time.Time) (Money, error)
}

// =============================================================================
// ADJUDICATION ENGINE
// =============================================================================

type Engine struct {
	Catalog   BenefitCatalog
	Ledger    *Ledger
	Chronic   ChronicSource  // optional; nil means no extra limits
	Approvals ApprovalSource // optional; nil means no overrides
}

func NewEngine(catalog BenefitCatalog, ledger *Ledger, chronic ChronicSource, approvals ApprovalSource) *Engine {
	return &Engine{Catalog: catalog, Ledger: ledger, Chronic: chronic, Approvals: approvals}
}

// ComputeLineCost is the pure computation at the heart of adjudication.
// regularRemaining/extraRemaining may be negative (already exceeded); they
// are floored at zero for the split.
func (e *Engine) ComputeLineCost(item ClaimItem, entry BenefitEntry, regularRemaining, extraRemaining Money) (LineResult, error) {
	if err := validateItem(item); err != nil {
		return LineResult{}, err
	}
	if entry.CoveragePercent.IsNegative() || entry.CoveragePercent.GreaterThan(decimal.NewFromInt(100)) {
		return LineResult{}, &ValidationError{Field: "coveragePercent", Message: "must be between 0 and 100"}
	}

	total := item.TotalAmount().Round2()
	rawCovered := total.ApplyPercent(entry.CoveragePercent)

	fromRegular := rawCovered.Min(regularRemaining.FloorZero())
	shortfall := rawCovered.Sub(fromRegular)

	fromExtra := ZeroMoney()
	if shortfall.IsPositive() {
		fromExtra = shortfall.Min(extraRemaining.FloorZero())
		shortfall = shortfall.Sub(fromExtra)
	}

	covered := fromRegular.Add(fromExtra)

	return LineResult{
		ItemID:             item.ID,
		ServiceCode:        item.ServiceCode,
		TotalAmount:        total,
		CoveredAmount:      covered,
		MemberContribution: total.Sub(covered),
		CoveragePercent:    entry.CoveragePercent,
		FromRegular:        fromRegular,
		FromExtra:          fromExtra,
		Shortfall:          shortfall,
	}, nil
}

// PriceLine is the read-only dry run: resolve the benefit entry, the
// member's remaining regular limit and applicable chronic extra, then
// compute. Never mutates the ledger.
func (e *Engine) PriceLine(ctx context.Context, memberID MemberID, item ClaimItem, year int, asOf time.Time) (LineResult, error) {
	if err := validateItem(item); err != nil {
		return LineResult{}, err
	}
	if item.ServiceDate.After(asOf) {
		return LineResult{}, &ValidationError{Field: "serviceDate", Message: "service date is in the future"}
	}

	entry, err := e.Catalog.ByServiceCode(ctx, item.ServiceCode)
	if err != nil {
		return LineResult{}, err
	}

	regularRemaining, err := e.Ledger.Remaining(ctx, memberID, entry.ID, year)
	if err != nil {
		return LineResult{}, err
	}

	extraRemaining := ZeroMoney()
	if e.Chronic != nil {
		extraRemaining, err = e.Chronic.ExtraRemaining(ctx, memberID, entry.Category, asOf)
		if err != nil {
			return LineResult{}, err
		}
	}

	return e.ComputeLineCost(item, entry, regularRemaining, extraRemaining)
}

// CommitLine debits the ledger for a previously priced line and transitions
// the item PENDING -> APPROVED. Debiting happens exactly once: a second
// commit on the same item fails with InvalidStateTransitionError.
//
// A shortfall with no usable pre-approval override fails with
// InsufficientBalanceError before any debit. With a linked authorization,
// the shortfall is covered up to the approved amount (FromApproval); the
// workflow consumes the authorization when the claim is finalized.
//
// A commit that fails after a debit has landed restores that debit before
// returning, so the ledger only ever reflects lines that reached APPROVED.
func (e *Engine) CommitLine(ctx context.Context, memberID MemberID, item *ClaimItem, res LineResult, year int, actor string) (LineResult, error) {
	if item.Status != ItemPending {
		return res, &InvalidStateTransitionError{
			Entity: "claim_item",
			ID:     string(item.ID),
			From:   string(item.Status),
			Op:     "commit",
		}
	}

	entry, err := e.Catalog.ByServiceCode(ctx, item.ServiceCode)
	if err != nil {
		return res, err
	}

	if res.Shortfall.IsPositive() {
		res, err = e.applyOverride(ctx, memberID, item, res)
		if err != nil {
			return res, err
		}
	}

	if res.FromRegular.IsPositive() {
		err := e.Ledger.DebitWithRetry(ctx, memberID, entry.ID, year, res.FromRegular, item.Quantity, actor,
			"claim line "+string(item.ID), RetryOptions{})
		if err != nil {
			return res, err
		}
	}

	if res.FromExtra.IsPositive() {
		if err := e.debitExtraAcrossLinks(ctx, memberID, entry.Category, item, res.FromExtra, actor); err != nil {
			// The line never reached APPROVED, so the regular debit must
			// not stand. Restore it before surfacing the failure.
			if res.FromRegular.IsPositive() {
				rerr := withRetry(ctx, RetryOptions{}, func() error {
					return e.Ledger.Reverse(ctx, memberID, entry.ID, year, res.FromRegular, item.Quantity, actor,
						"restore failed commit of claim line "+string(item.ID))
				})
				if rerr != nil {
					return res, fmt.Errorf("regular debit of %s stranded after failed commit (%v): %w",
						res.FromRegular, rerr, err)
				}
			}
			return res, err
		}
	}

	item.Status = ItemApproved
	return res, nil
}

// applyOverride covers a shortfall from a linked pre-approval, up to its
// approved amount. Without one, the commit is rejected so the caller can
// open a pre-approval for the exceed amount.
func (e *Engine) applyOverride(ctx context.Context, memberID MemberID, item *ClaimItem, res LineResult) (LineResult, error) {
	if item.PreApprovalNumber == "" || e.Approvals == nil {
		return res, &InsufficientBalanceError{
			MemberID:  memberID,
			Available: res.FromRegular.Add(res.FromExtra),
			Requested: res.FromRegular.Add(res.FromExtra).Add(res.Shortfall),
			Shortfall: res.Shortfall,
		}
	}

	authorized, err := e.Approvals.AuthorizedAmount(ctx, item.PreApprovalNumber, memberID, time.Now().UTC())
	if err != nil {
		return res, err
	}

	override := res.Shortfall.Min(authorized.FloorZero())
	res.FromApproval = override
	res.CoveredAmount = res.CoveredAmount.Add(override)
	res.MemberContribution = res.TotalAmount.Sub(res.CoveredAmount)
	res.Shortfall = res.Shortfall.Sub(override)

	if res.Shortfall.IsPositive() {
		return res, &InsufficientBalanceError{
			MemberID:  memberID,
			Available: res.CoveredAmount,
			Requested: res.CoveredAmount.Add(res.Shortfall),
			Shortfall: res.Shortfall,
		}
	}
	return res, nil
}

// extraDraw records an applied extra-limit debit so a failed commit can
// restore it.
type extraDraw struct {
	linkID string
	amount Money
}

// debitExtraAcrossLinks draws the extra portion from the member's valid
// condition links in registry order. All-or-nothing: when a draw fails, or
// the fresh link balances no longer cover the priced amount, every draw
// already applied is reversed before the error returns.
func (e *Engine) debitExtraAcrossLinks(ctx context.Context, memberID MemberID, category string, item *ClaimItem, amount Money, actor string) error {
	if e.Chronic == nil {
		return &InsufficientBalanceError{MemberID: memberID, Requested: amount, Shortfall: amount}
	}

	links, err := e.Chronic.ApplicableLinks(ctx, memberID, category, time.Now().UTC())
	if err != nil {
		return err
	}

	left := amount
	var applied []extraDraw
	for _, link := range links {
		if !left.IsPositive() {
			break
		}
		draw := left.Min(link.Remaining.FloorZero())
		if !draw.IsPositive() {
			continue
		}
		if err := e.Ledger.DebitExtra(ctx, link.LinkID, draw, actor, "claim line "+string(item.ID)); err != nil {
			return e.restoreExtraDraws(ctx, applied, item, actor, err)
		}
		applied = append(applied, extraDraw{linkID: link.LinkID, amount: draw})
		left = left.Sub(draw)
	}

	if left.IsPositive() {
		return e.restoreExtraDraws(ctx, applied, item, actor,
			&InsufficientBalanceError{MemberID: memberID, Requested: amount, Shortfall: left})
	}
	return nil
}

// restoreExtraDraws reverses the applied draws and returns cause, the error
// that aborted the commit.
func (e *Engine) restoreExtraDraws(ctx context.Context, applied []extraDraw, item *ClaimItem, actor string, cause error) error {
	for _, d := range applied {
		rerr := withRetry(ctx, RetryOptions{}, func() error {
			return e.Ledger.ReverseExtra(ctx, d.linkID, d.amount,
				actor, "restore failed commit of claim line "+string(item.ID))
		})
		if rerr != nil {
			return fmt.Errorf("extra draw of %s on link %s stranded after failed commit (%v): %w",
				d.amount, d.linkID, rerr, cause)
		}
	}
	return cause
}

// ComputeClaimTotals sums already-computed line results. No recomputation.
func (e *Engine) ComputeClaimTotals(results []LineResult) ClaimTotals {
	totals := ClaimTotals{
		TotalAmount:        ZeroMoney(),
		CoveredAmount:      ZeroMoney(),
		MemberContribution: ZeroMoney(),
	}
	for _, r := range results {
		totals.TotalAmount = totals.TotalAmount.Add(r.TotalAmount)
		totals.CoveredAmount = totals.CoveredAmount.Add(r.CoveredAmount)
		totals.MemberContribution = totals.MemberContribution.Add(r.MemberContribution)
	}
	return totals
}

func validateItem(item ClaimItem) error {
	if item.ServiceCode == "" {
		return &ValidationError{Field: "serviceCode", Message: "required"}
	}
	if item.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if !item.UnitPrice.IsPositive() {
		return &ValidationError{Field: "unitPrice", Message: "must be positive"}
	}
	return nil
}
