/*
Package chronic resolves a member's chronic condition coverage.

PURPOSE:
  Chronic conditions change how adjudication and pre-approval behave in two
  ways: a diagnosed condition can grant an EXTRA coverage limit consumed
  independently of the regular benefit limit, and it can force MANDATORY
  pre-approval review regardless of what the rules would otherwise allow.

INVARIANTS:
  - ExtraLimitUsed <= ExtraLimit, always.
  - A link only counts while it is currently valid: active AND the as-of
    date falls within [ValidFrom, ValidUntil].

WHY A REGISTRY?
  The adjudication engine doesn't know about diagnoses or validity windows.
  It asks two narrow questions ("how much extra is left for this benefit
  category?", "which links do I draw from?") through benefit.ChronicSource,
  and this package owns the answers.

SEE ALSO:
  - benefit/store.go: ChronicSource / ExtraLimitStore contracts
  - preapproval/rules.go: The mandatory-review signal consumer
*/
package chronic

import (
	"context"
	"sort"
	"time"

	"github.com/sufyanhr/waad-claims-engine/benefit"
)

// =============================================================================
// CATALOG AND LINK TYPES
// =============================================================================

// Condition is a chronic condition catalog entry. Read-only configuration.
type Condition struct {
	Code                string
	Name                string
	Category            string // benefit category the extra limit applies to; "" = all
	RequiresPreApproval bool
}

// MemberCondition links a member to a diagnosed chronic condition. The only
// mutable field is ExtraLimitUsed, guarded by Version.
type MemberCondition struct {
	ID            string
	MemberID      benefit.MemberID
	ConditionCode string
	DiagnosisDate time.Time

	ExtraLimit     benefit.Money
	ExtraLimitUsed benefit.Money

	ValidFrom  time.Time
	ValidUntil time.Time
	Active     bool

	RequiresMandatoryPreApproval bool

	Version   int64
	UpdatedAt time.Time
}

// CurrentlyValid reports whether the link grants coverage at the given time.
func (mc MemberCondition) CurrentlyValid(asOf time.Time) bool {
	if !mc.Active {
		return false
	}
	if asOf.Before(mc.ValidFrom) {
		return false
	}
	if !mc.ValidUntil.IsZero() && asOf.After(mc.ValidUntil) {
		return false
	}
	return true
}

// ExtraRemaining is the unconsumed portion of the link's extra limit.
func (mc MemberCondition) ExtraRemaining() benefit.Money {
	return mc.ExtraLimit.Sub(mc.ExtraLimitUsed).FloorZero()
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetCondition resolves a catalog entry by code.
	GetCondition(ctx context.Context, code string) (Condition, error)

	// LinksByMember returns all condition links for a member, valid or not.
	LinksByMember(ctx context.Context, memberID benefit.MemberID) ([]MemberCondition, error)

	// GetLink resolves a single link by ID.
	GetLink(ctx context.Context, linkID string) (MemberCondition, error)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry answers chronic coverage questions for the engine and the rule
// matcher. Read-only; extra-limit debits go through benefit.Ledger.
type Registry struct {
	Store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{Store: store}
}

// ActiveConditions returns the member's currently-valid condition links.
func (r *Registry) ActiveConditions(ctx context.Context, memberID benefit.MemberID, asOf time.Time) ([]MemberCondition, error) {
	links, err := r.Store.LinksByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var valid []MemberCondition
	for _, link := range links {
		if link.CurrentlyValid(asOf) {
			valid = append(valid, link)
		}
	}
	return valid, nil
}

// HasMandatoryReview reports whether any valid condition forces pre-approval
// review. This signal always raises the required level to at least MEDICAL
// and disables auto-approval.
func (r *Registry) HasMandatoryReview(ctx context.Context, memberID benefit.MemberID, asOf time.Time) (bool, error) {
	valid, err := r.ActiveConditions(ctx, memberID, asOf)
	if err != nil {
		return false, err
	}
	for _, link := range valid {
		if link.RequiresMandatoryPreApproval {
			return true, nil
		}
	}
	return false, nil
}

// ExtraRemaining sums remaining extra limit across valid links whose
// condition applies to the benefit category. Implements benefit.ChronicSource.
func (r *Registry) ExtraRemaining(ctx context.Context, memberID benefit.MemberID, category string, asOf time.Time) (benefit.Money, error) {
	links, err := r.ApplicableLinks(ctx, memberID, category, asOf)
	if err != nil {
		return benefit.Money{}, err
	}

	total := benefit.ZeroMoney()
	for _, link := range links {
		total = total.Add(link.Remaining)
	}
	return total, nil
}

// ApplicableLinks returns the valid links (with remaining extra) that cover
// the benefit category, oldest diagnosis first so long-standing grants are
// consumed before newer ones. Implements benefit.ChronicSource.
func (r *Registry) ApplicableLinks(ctx context.Context, memberID benefit.MemberID, category string, asOf time.Time) ([]benefit.ExtraLink, error) {
	valid, err := r.ActiveConditions(ctx, memberID, asOf)
	if err != nil {
		return nil, err
	}

	var applicable []MemberCondition
	for _, link := range valid {
		if !link.ExtraLimit.IsPositive() {
			continue
		}
		cond, err := r.Store.GetCondition(ctx, link.ConditionCode)
		if err != nil {
			return nil, err
		}
		if cond.Category != "" && category != "" && cond.Category != category {
			continue
		}
		applicable = append(applicable, link)
	}

	// Oldest diagnosis first.
	sort.Slice(applicable, func(i, j int) bool {
		return applicable[i].DiagnosisDate.Before(applicable[j].DiagnosisDate)
	})

	out := make([]benefit.ExtraLink, 0, len(applicable))
	for _, link := range applicable {
		out = append(out, benefit.ExtraLink{LinkID: link.ID, Remaining: link.ExtraRemaining()})
	}
	return out, nil
}

var _ benefit.ChronicSource = (*Registry)(nil)
