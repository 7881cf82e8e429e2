/*
Package benefit provides the core benefit adjudication engine.

PURPOSE:
  This package contains the domain types and algorithms for adjudicating
  medical claim lines against a member's time-boxed benefit entitlement.
  It answers two questions: "how much of this claim line is covered?" and
  "how much entitlement does this member have left this year?"

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point monetary amount (2 fractional digits)
  - BenefitEntry: A policy's coverage rule for a service (percent + limit)
  - BenefitUsage: The ledger row tracking consumption per (member, benefit, year)
  - ClaimItem: A single requested service line with quantity and unit price
  - LineResult: The computed financial split for one claim line

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never floating point, for money
  2. Compute vs commit: pricing a line never mutates the ledger
  3. Type Safety: Strong typing for IDs prevents mixing member/benefit IDs
  4. Auditability: Every ledger mutation carries actor and reason

SEE ALSO:
  - ledger.go: Benefit usage ledger with optimistic concurrency
  - engine.go: Line-cost computation and claim totals
  - errors.go: Typed error values
*/
package benefit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point monetary amount
// =============================================================================

// Money is a monetary amount in the policy currency with 2 fractional digits.
// All arithmetic stays in decimal space; rounding happens explicitly via
// Round2 (half up), never implicitly.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value)}
}

func NewMoneyFromInt(value int) Money {
	return Money{Value: decimal.NewFromInt(int64(value))}
}

// MustParseMoney panics on a malformed literal. For trusted constants only;
// anything user-supplied goes through decimal.NewFromString with an error
// check.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("benefit: invalid money literal %q: %v", s, err))
	}
	return Money{Value: d}
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money             { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money             { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money                    { return Money{Value: m.Value.Neg()} }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsPositive() bool              { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool      { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool         { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool            { return m.Value.Equal(o.Value) }
func (m Money) Min(o Money) Money             { if m.LessThan(o) { return m }; return o }
func (m Money) Max(o Money) Money             { if m.GreaterThan(o) { return m }; return o }
func (m Money) String() string                { return m.Value.StringFixed(2) }

// Round2 rounds half up to 2 fractional digits. decimal.Round rounds half
// away from zero, which is half up for the non-negative amounts money math
// produces here.
func (m Money) Round2() Money { return Money{Value: m.Value.Round(2)} }

// MulQuantity multiplies by an integer quantity.
func (m Money) MulQuantity(qty int) Money {
	return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(qty)))}
}

// ApplyPercent returns amount * percent / 100, rounded half up to 2 digits.
func (m Money) ApplyPercent(percent decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(percent).Div(decimal.NewFromInt(100))}.Round2()
}

// FloorZero clamps negative amounts to zero. Callers that need the raw
// (possibly negative) remaining must not use this.
func (m Money) FloorZero() Money {
	if m.IsNegative() {
		return ZeroMoney()
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type BenefitID string
type ClaimItemID string

// =============================================================================
// MEMBER - Read-only snapshot passed in by the directory service
// =============================================================================

// Member is the engine's view of an insured member. Chronic condition links
// are resolved separately through the chronic registry; the engine never
// mutates member records.
type Member struct {
	ID       MemberID
	PolicyID string // employer/policy reference
	Name     string
}

// =============================================================================
// BENEFIT ENTRY - A benefit table line (read-only configuration)
// =============================================================================

// BenefitEntry defines coverage for a service category: what percentage the
// policy pays and the regular limit for a policy year. Owned by the external
// benefit directory; the engine only reads it.
type BenefitEntry struct {
	ID          BenefitID
	ServiceCode string
	Category    string

	// CoveragePercent is in [0, 100].
	CoveragePercent decimal.Decimal

	// LimitAmount is the regular yearly limit. LimitCount caps the number of
	// debits per year; zero means the count is not limited.
	LimitAmount Money
	LimitCount  int

	Active bool
}

// =============================================================================
// BENEFIT USAGE - Ledger row, key = (member, benefit, year)
// =============================================================================

// Usage tracks consumption against a benefit's regular limit within a policy
// year. UsedAmount and UsedCount are monotonically non-decreasing except
// through an explicit, audited reversal.
//
// Version implements optimistic locking: every Put must present the version
// it read, and the store rejects interleaved writers.
type Usage struct {
	MemberID  MemberID
	BenefitID BenefitID
	Year      int

	UsedAmount Money
	UsedCount  int

	Version   int64
	UpdatedAt time.Time
}

// =============================================================================
// CLAIM ITEM - A single requested service line
// =============================================================================

type ClaimItemStatus string

const (
	ItemPending  ClaimItemStatus = "pending"
	ItemApproved ClaimItemStatus = "approved" // ledger debited exactly once
)

type ClaimItem struct {
	ID          ClaimItemID
	ServiceCode string
	Quantity    int
	UnitPrice   Money

	// ServiceDate must not be in the future at adjudication time.
	ServiceDate time.Time

	Status ClaimItemStatus

	// PreApprovalNumber links the item to an authorization when the covered
	// amount exceeds the member's remaining limits.
	PreApprovalNumber string
}

// TotalAmount is unitPrice x quantity.
func (ci ClaimItem) TotalAmount() Money {
	return ci.UnitPrice.MulQuantity(ci.Quantity)
}

// =============================================================================
// LINE RESULT - Computed financial split for one claim line
// =============================================================================

// LineResult is the outcome of ComputeLineCost. The exact identity
// CoveredAmount + MemberContribution == TotalAmount always holds.
//
// FromRegular/FromExtra/FromApproval record how much to debit from each
// source when the line is committed; computation alone never debits.
type LineResult struct {
	ItemID      ClaimItemID
	ServiceCode string

	TotalAmount        Money
	CoveredAmount      Money
	MemberContribution Money
	CoveragePercent    decimal.Decimal

	FromRegular  Money
	FromExtra    Money
	FromApproval Money // authorized excess covered under a pre-approval

	// Shortfall is the part of the raw covered amount that no limit could
	// absorb (before any pre-approval override). Zero when limits suffice.
	Shortfall Money
}

// ClaimTotals sums already-computed line results.
type ClaimTotals struct {
	TotalAmount        Money
	CoveredAmount      Money
	MemberContribution Money
}
