package chronic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/store/memory"
)

var asOf = time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

func money(s string) benefit.Money {
	return benefit.MustParseMoney(s)
}

func newTestRegistry(t *testing.T) (*chronic.Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.SeedConditions([]chronic.Condition{
		{Code: "DM2", Name: "Diabetes Type 2", Category: "pharmacy", RequiresPreApproval: true},
		{Code: "HTN", Name: "Hypertension", Category: "pharmacy"},
		{Code: "AST", Name: "Asthma", Category: ""}, // applies to every category
	})
	return chronic.NewRegistry(store), store
}

func link(id, code string, diagnosed time.Time, limit, used string, opts ...func(*chronic.MemberCondition)) chronic.MemberCondition {
	mc := chronic.MemberCondition{
		ID:             id,
		MemberID:       "mem-1",
		ConditionCode:  code,
		DiagnosisDate:  diagnosed,
		ExtraLimit:     money(limit),
		ExtraLimitUsed: money(used),
		ValidFrom:      asOf.AddDate(-1, 0, 0),
		ValidUntil:     asOf.AddDate(1, 0, 0),
		Active:         true,
	}
	for _, opt := range opts {
		opt(&mc)
	}
	return mc
}

// =============================================================================
// VALIDITY WINDOWS
// =============================================================================

func TestActiveConditions_FiltersByValidity(t *testing.T) {
	// GIVEN: One valid link, one expired, one not yet started, one inactive
	// WHEN: Resolving active conditions as of mid-2026
	// THEN: Only the valid link survives

	registry, store := newTestRegistry(t)
	diag := asOf.AddDate(-2, 0, 0)

	store.PutLink(link("link-valid", "DM2", diag, "1000", "0"))
	store.PutLink(link("link-expired", "HTN", diag, "1000", "0", func(mc *chronic.MemberCondition) {
		mc.ValidUntil = asOf.AddDate(0, -1, 0)
	}))
	store.PutLink(link("link-future", "HTN", diag, "1000", "0", func(mc *chronic.MemberCondition) {
		mc.ValidFrom = asOf.AddDate(0, 1, 0)
	}))
	store.PutLink(link("link-inactive", "HTN", diag, "1000", "0", func(mc *chronic.MemberCondition) {
		mc.Active = false
	}))

	valid, err := registry.ActiveConditions(context.Background(), "mem-1", asOf)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, "link-valid", valid[0].ID)
}

func TestActiveConditions_OpenEndedValidUntil(t *testing.T) {
	// A zero ValidUntil means the link never expires.
	registry, store := newTestRegistry(t)

	store.PutLink(link("link-open", "DM2", asOf.AddDate(-1, 0, 0), "500", "0", func(mc *chronic.MemberCondition) {
		mc.ValidUntil = time.Time{}
	}))

	valid, err := registry.ActiveConditions(context.Background(), "mem-1", asOf.AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.Len(t, valid, 1)
}

// =============================================================================
// MANDATORY REVIEW
// =============================================================================

func TestHasMandatoryReview(t *testing.T) {
	registry, store := newTestRegistry(t)
	diag := asOf.AddDate(-1, 0, 0)

	// No links at all
	forced, err := registry.HasMandatoryReview(context.Background(), "mem-1", asOf)
	require.NoError(t, err)
	assert.False(t, forced)

	// A link without the mandatory flag
	store.PutLink(link("link-1", "HTN", diag, "0", "0"))
	forced, err = registry.HasMandatoryReview(context.Background(), "mem-1", asOf)
	require.NoError(t, err)
	assert.False(t, forced)

	// Add a mandatory one
	store.PutLink(link("link-2", "DM2", diag, "0", "0", func(mc *chronic.MemberCondition) {
		mc.RequiresMandatoryPreApproval = true
	}))
	forced, err = registry.HasMandatoryReview(context.Background(), "mem-1", asOf)
	require.NoError(t, err)
	assert.True(t, forced)
}

func TestHasMandatoryReview_IgnoresExpiredLinks(t *testing.T) {
	// GIVEN: A mandatory-review link whose validity window has passed
	// WHEN: Checking as of today
	// THEN: The expired link no longer forces review

	registry, store := newTestRegistry(t)

	store.PutLink(link("link-1", "DM2", asOf.AddDate(-2, 0, 0), "0", "0", func(mc *chronic.MemberCondition) {
		mc.RequiresMandatoryPreApproval = true
		mc.ValidUntil = asOf.AddDate(0, -1, 0)
	}))

	forced, err := registry.HasMandatoryReview(context.Background(), "mem-1", asOf)
	require.NoError(t, err)
	assert.False(t, forced)
}

// =============================================================================
// EXTRA LIMITS
// =============================================================================

func TestExtraRemaining_SumsApplicableLinks(t *testing.T) {
	// GIVEN: Two pharmacy links (600 and 250 remaining) and one expired link
	// WHEN: Summing extra for the pharmacy category
	// THEN: 850; the expired link contributes nothing

	registry, store := newTestRegistry(t)
	diag := asOf.AddDate(-1, 0, 0)

	store.PutLink(link("link-1", "DM2", diag, "1000", "400"))
	store.PutLink(link("link-2", "HTN", diag, "250", "0"))
	store.PutLink(link("link-3", "HTN", diag, "5000", "0", func(mc *chronic.MemberCondition) {
		mc.ValidUntil = asOf.AddDate(0, -1, 0)
	}))

	total, err := registry.ExtraRemaining(context.Background(), "mem-1", "pharmacy", asOf)
	require.NoError(t, err)
	assert.True(t, total.Equal(money("850")), "total %s", total)
}

func TestExtraRemaining_CategoryFilter(t *testing.T) {
	// DM2's extra applies to pharmacy only; AST's applies to every category.
	registry, store := newTestRegistry(t)
	diag := asOf.AddDate(-1, 0, 0)

	store.PutLink(link("link-dm", "DM2", diag, "1000", "0"))
	store.PutLink(link("link-ast", "AST", diag, "300", "0"))

	pharmacy, err := registry.ExtraRemaining(context.Background(), "mem-1", "pharmacy", asOf)
	require.NoError(t, err)
	assert.True(t, pharmacy.Equal(money("1300")))

	outpatient, err := registry.ExtraRemaining(context.Background(), "mem-1", "outpatient", asOf)
	require.NoError(t, err)
	assert.True(t, outpatient.Equal(money("300")), "only the category-agnostic link applies")
}

func TestExtraRemaining_OverconsumedLinkFloorsAtZero(t *testing.T) {
	registry, store := newTestRegistry(t)

	store.PutLink(link("link-1", "DM2", asOf.AddDate(-1, 0, 0), "1000", "1000"))

	total, err := registry.ExtraRemaining(context.Background(), "mem-1", "pharmacy", asOf)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

// =============================================================================
// DRAW ORDER
// =============================================================================

func TestApplicableLinks_OldestDiagnosisFirst(t *testing.T) {
	// GIVEN: Three pharmacy links diagnosed in different years
	// WHEN: Resolving the draw order
	// THEN: Long-standing grants come first

	registry, store := newTestRegistry(t)

	store.PutLink(link("link-2024", "DM2", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "100", "0"))
	store.PutLink(link("link-2022", "HTN", time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC), "200", "0"))
	store.PutLink(link("link-2025", "HTN", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "300", "0"))

	links, err := registry.ApplicableLinks(context.Background(), "mem-1", "pharmacy", asOf)
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, "link-2022", links[0].LinkID)
	assert.Equal(t, "link-2024", links[1].LinkID)
	assert.Equal(t, "link-2025", links[2].LinkID)
}

func TestApplicableLinks_SkipsZeroLimitLinks(t *testing.T) {
	// Links that only mark a diagnosis (no extra limit) never appear in the
	// draw order.
	registry, store := newTestRegistry(t)

	store.PutLink(link("link-1", "DM2", asOf.AddDate(-1, 0, 0), "0", "0"))

	links, err := registry.ApplicableLinks(context.Background(), "mem-1", "pharmacy", asOf)
	require.NoError(t, err)
	assert.Empty(t, links)
}
