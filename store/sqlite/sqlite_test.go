package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
	"github.com/sufyanhr/waad-claims-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func money(s string) benefit.Money {
	return benefit.MustParseMoney(s)
}

func seedBenefit(t *testing.T, store *sqlite.Store) benefit.BenefitEntry {
	t.Helper()
	pct, _ := decimal.NewFromString("80")
	entry := benefit.BenefitEntry{
		ID:              "ben-gp",
		ServiceCode:     "GP-VISIT",
		Category:        "outpatient",
		CoveragePercent: pct,
		LimitAmount:     money("5000"),
		LimitCount:      20,
		Active:          true,
	}
	require.NoError(t, store.SaveBenefit(context.Background(), entry))
	return entry
}

// =============================================================================
// BENEFIT CATALOG
// =============================================================================

func TestBenefitCatalog_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := seedBenefit(t, store)
	ctx := context.Background()

	got, err := store.ByServiceCode(ctx, "GP-VISIT")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Category, got.Category)
	assert.True(t, got.CoveragePercent.Equal(want.CoveragePercent))
	assert.True(t, got.LimitAmount.Equal(want.LimitAmount))
	assert.Equal(t, 20, got.LimitCount)

	byID, err := store.ByID(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ServiceCode, byID.ServiceCode)
}

func TestBenefitCatalog_InactiveHiddenFromServiceLookup(t *testing.T) {
	store := newTestStore(t)
	entry := seedBenefit(t, store)
	ctx := context.Background()

	entry.Active = false
	require.NoError(t, store.SaveBenefit(ctx, entry))

	_, err := store.ByServiceCode(ctx, "GP-VISIT")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)

	// Direct ID lookup still resolves, for reading historical usage.
	_, err = store.ByID(ctx, entry.ID)
	assert.NoError(t, err)
}

func TestBenefitCatalog_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ByServiceCode(context.Background(), "NO-SUCH")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
}

// =============================================================================
// USAGE LEDGER ROWS
// =============================================================================

func TestUsage_AbsentRowIsZeroVersionZero(t *testing.T) {
	store := newTestStore(t)

	usage, err := store.GetUsage(context.Background(), "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, usage.UsedAmount.IsZero())
	assert.Equal(t, int64(0), usage.Version)
}

func TestUsage_InsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := benefit.Usage{
		MemberID:   "mem-1",
		BenefitID:  "ben-gp",
		Year:       2026,
		UsedAmount: money("160"),
		UsedCount:  2,
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.PutUsage(ctx, u, 0))

	got, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, got.UsedAmount.Equal(money("160")))
	assert.Equal(t, int64(1), got.Version)

	got.UsedAmount = got.UsedAmount.Add(money("40"))
	require.NoError(t, store.PutUsage(ctx, got, got.Version))

	got, err = store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, got.UsedAmount.Equal(money("200")))
	assert.Equal(t, int64(2), got.Version)
}

func TestUsage_DoubleInsertConflicts(t *testing.T) {
	// Two writers that both saw "no row" race on the insert; the UNIQUE
	// constraint turns the loser into a retryable conflict.
	store := newTestStore(t)
	ctx := context.Background()

	u := benefit.Usage{
		MemberID: "mem-1", BenefitID: "ben-gp", Year: 2026,
		UsedAmount: money("100"), UsedCount: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutUsage(ctx, u, 0))

	err := store.PutUsage(ctx, u, 0)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)
}

func TestUsage_StaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := benefit.Usage{
		MemberID: "mem-1", BenefitID: "ben-gp", Year: 2026,
		UsedAmount: money("100"), UsedCount: 1, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutUsage(ctx, u, 0))
	require.NoError(t, store.PutUsage(ctx, u, 1))

	err := store.PutUsage(ctx, u, 1)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)
}

// =============================================================================
// CHRONIC LINKS AND EXTRA LIMITS
// =============================================================================

func seedLink(t *testing.T, store *sqlite.Store) chronic.MemberCondition {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveCondition(ctx, chronic.Condition{
		Code: "DM2", Name: "Diabetes Type 2", Category: "pharmacy", RequiresPreApproval: true,
	}))

	now := time.Now().UTC().Truncate(time.Second)
	link := chronic.MemberCondition{
		ID:                           "link-1",
		MemberID:                     "mem-1",
		ConditionCode:                "DM2",
		DiagnosisDate:                now.AddDate(-1, 0, 0),
		ExtraLimit:                   money("1000"),
		ExtraLimitUsed:               money("0"),
		ValidFrom:                    now.AddDate(0, -6, 0),
		ValidUntil:                   now.AddDate(0, 6, 0),
		Active:                       true,
		RequiresMandatoryPreApproval: true,
	}
	require.NoError(t, store.SaveLink(ctx, link))
	return link
}

func TestChronicLink_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := seedLink(t, store)
	ctx := context.Background()

	links, err := store.LinksByMember(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, links, 1)

	got := links[0]
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ConditionCode, got.ConditionCode)
	assert.True(t, got.ExtraLimit.Equal(want.ExtraLimit))
	assert.True(t, got.DiagnosisDate.Equal(want.DiagnosisDate))
	assert.True(t, got.ValidUntil.Equal(want.ValidUntil))
	assert.True(t, got.Active)
	assert.True(t, got.RequiresMandatoryPreApproval)
	assert.Equal(t, int64(1), got.Version)

	cond, err := store.GetCondition(ctx, "DM2")
	require.NoError(t, err)
	assert.Equal(t, "pharmacy", cond.Category)
}

func TestChronicLink_OpenEndedValidUntil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	link := chronic.MemberCondition{
		ID: "link-open", MemberID: "mem-1", ConditionCode: "DM2",
		DiagnosisDate:  now,
		ExtraLimit:     money("100"),
		ExtraLimitUsed: money("0"),
		ValidFrom:      now,
		Active:         true,
	}
	require.NoError(t, store.SaveLink(ctx, link))

	got, err := store.GetLink(ctx, "link-open")
	require.NoError(t, err)
	assert.True(t, got.ValidUntil.IsZero(), "NULL valid_until round-trips as zero time")
}

func TestExtraLimit_OptimisticUpdate(t *testing.T) {
	store := newTestStore(t)
	seedLink(t, store)
	ctx := context.Background()

	limit, used, version, err := store.GetExtraLimit(ctx, "link-1")
	require.NoError(t, err)
	assert.True(t, limit.Equal(money("1000")))
	assert.True(t, used.IsZero())

	require.NoError(t, store.PutExtraLimitUsed(ctx, "link-1", money("400"), version))

	// Stale write loses.
	err = store.PutExtraLimitUsed(ctx, "link-1", money("500"), version)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)

	// Missing row is not-found, not a conflict.
	err = store.PutExtraLimitUsed(ctx, "link-missing", money("1"), 1)
	assert.True(t, benefit.IsNotFound(err))
}

// =============================================================================
// PRE-APPROVALS
// =============================================================================

func sampleApproval(number string) preapproval.PreApproval {
	now := time.Now().UTC().Truncate(time.Second)
	return preapproval.PreApproval{
		ID:              "pa-" + number,
		ApprovalNumber:  number,
		MemberID:        "mem-1",
		ServiceCode:     "LAB-PANEL",
		Type:            preapproval.TypeRule,
		Status:          preapproval.StatusPending,
		RequiredLevel:   preapproval.LevelMedical,
		RequestedAmount: money("2000"),
		ApprovedAmount:  money("0"),
		ExceedAmount:    money("0"),
		Reasons:         []string{preapproval.ReasonRuleMatch},
		MatchedRuleID:   "rule-lab",
		RequestedBy:     "provider-1",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestApproval_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	want := sampleApproval("PA-20260601-aaaa0001")

	require.NoError(t, store.CreateApproval(ctx, want))

	got, err := store.GetApproval(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ApprovalNumber, got.ApprovalNumber)
	assert.Equal(t, preapproval.StatusPending, got.Status)
	assert.Equal(t, preapproval.LevelMedical, got.RequiredLevel)
	assert.True(t, got.RequestedAmount.Equal(money("2000")))
	assert.Equal(t, []string{preapproval.ReasonRuleMatch}, got.Reasons)
	assert.Equal(t, "rule-lab", got.MatchedRuleID)
	assert.True(t, got.DecidedAt.IsZero())
	assert.Equal(t, int64(1), got.Version)

	byNumber, err := store.GetApprovalByNumber(ctx, want.ApprovalNumber)
	require.NoError(t, err)
	assert.Equal(t, want.ID, byNumber.ID)

	// Auto-decided records keep their flag across the round trip.
	auto := sampleApproval("PA-20260601-aaaa0002")
	auto.ID = "pa-auto"
	auto.Status = preapproval.StatusApproved
	auto.ApprovedAmount = money("2000")
	auto.AutoApproved = true
	require.NoError(t, store.CreateApproval(ctx, auto))
	gotAuto, err := store.GetApproval(ctx, auto.ID)
	require.NoError(t, err)
	assert.True(t, gotAuto.AutoApproved)
}

func TestApproval_DuplicateNumberRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateApproval(ctx, sampleApproval("PA-20260601-aaaa0001")))

	dup := sampleApproval("PA-20260601-aaaa0001")
	dup.ID = "pa-other"
	err := store.CreateApproval(ctx, dup)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)
}

func TestApproval_UpdateOptimistic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := sampleApproval("PA-20260601-aaaa0001")
	require.NoError(t, store.CreateApproval(ctx, p))

	p, err := store.GetApproval(ctx, p.ID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	p.Status = preapproval.StatusApproved
	p.ApprovedAmount = money("2000")
	p.ReviewedBy = "dr-amal"
	p.DecidedAt = now
	p.ValidFrom = now
	p.ValidUntil = now.AddDate(0, 0, 30)
	p.UpdatedAt = now
	require.NoError(t, store.UpdateApproval(ctx, p, p.Version))

	got, err := store.GetApproval(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, preapproval.StatusApproved, got.Status)
	assert.True(t, got.ApprovedAmount.Equal(money("2000")))
	assert.True(t, got.ValidUntil.Equal(p.ValidUntil))
	assert.Equal(t, int64(2), got.Version)

	// Stale second decision loses.
	err = store.UpdateApproval(ctx, p, p.Version)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)

	// Unknown record is not-found.
	missing := sampleApproval("PA-20260601-bbbb0002")
	missing.ID = "pa-missing"
	err = store.UpdateApproval(ctx, missing, 1)
	assert.True(t, benefit.IsNotFound(err))
}

func TestApproval_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := sampleApproval("PA-20260601-aaaa0001")
	b := sampleApproval("PA-20260601-bbbb0002")
	b.CreatedAt = a.CreatedAt.Add(time.Minute)
	b.Status = preapproval.StatusApproved
	c := sampleApproval("PA-20260601-cccc0003")
	c.MemberID = "mem-2"

	for _, p := range []preapproval.PreApproval{a, b, c} {
		require.NoError(t, store.CreateApproval(ctx, p))
	}

	pending, err := store.ListApprovalsByStatus(ctx, "mem-1", preapproval.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all, err := store.ListApprovalsByStatus(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "oldest first")
}

func TestApproval_ListExpiring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	due := sampleApproval("PA-20260601-aaaa0001")
	due.Status = preapproval.StatusApproved
	due.ValidUntil = now.Add(-time.Hour)

	notDue := sampleApproval("PA-20260601-bbbb0002")
	notDue.Status = preapproval.StatusApproved
	notDue.ValidUntil = now.Add(time.Hour)

	terminal := sampleApproval("PA-20260601-cccc0003")
	terminal.Status = preapproval.StatusUsed
	terminal.ValidUntil = now.Add(-time.Hour)

	open := sampleApproval("PA-20260601-dddd0004") // no validity window yet

	for _, p := range []preapproval.PreApproval{due, notDue, terminal, open} {
		require.NoError(t, store.CreateApproval(ctx, p))
	}

	expiring, err := store.ListExpiring(ctx, now)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, due.ID, expiring[0].ID)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAudit_AppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, action := range []benefit.AuditAction{benefit.AuditDebit, benefit.AuditReversal} {
		require.NoError(t, store.AppendAudit(ctx, benefit.AuditEntry{
			ID:        string(rune('a' + i)),
			Timestamp: now.Add(time.Duration(i) * time.Second),
			ActorID:   "adj-1",
			Action:    action,
			MemberID:  "mem-1",
			Reference: "ben-gp",
			Detail:    "test entry",
		}))
	}

	entries, err := store.AuditByMember(ctx, "mem-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, benefit.AuditDebit, entries[0].Action)
	assert.Equal(t, benefit.AuditReversal, entries[1].Action)
}

// =============================================================================
// FULL STACK THROUGH THE LEDGER
// =============================================================================

func TestLedgerOverSQLite(t *testing.T) {
	// The same ledger semantics the memory store covers, against real SQL.
	store := newTestStore(t)
	seedBenefit(t, store)
	ledger := benefit.NewLedger(store, store, store, store)
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("300"), 1, "adj-1", "claim a"))
	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("200"), 1, "adj-1", "claim b"))

	remaining, err := ledger.Remaining(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(money("4500")))

	entries, err := store.AuditByMember(ctx, "mem-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
