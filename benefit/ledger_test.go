package benefit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/store/memory"
)

func newTestLedger(t *testing.T, entries ...benefit.BenefitEntry) (*benefit.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.SeedBenefits(entries)
	return benefit.NewLedger(store, store, store, store), store
}

func chronicLink(id string, memberID benefit.MemberID, limit, used string) chronic.MemberCondition {
	now := time.Now().UTC()
	return chronic.MemberCondition{
		ID:             id,
		MemberID:       memberID,
		ConditionCode:  "DM2",
		DiagnosisDate:  now.AddDate(-1, 0, 0),
		ExtraLimit:     money(limit),
		ExtraLimitUsed: money(used),
		ValidFrom:      now.AddDate(0, -6, 0),
		ValidUntil:     now.AddDate(0, 6, 0),
		Active:         true,
	}
}

// =============================================================================
// REMAINING AND DEBIT
// =============================================================================

func TestLedger_RemainingStartsAtLimit(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))

	remaining, err := ledger.Remaining(context.Background(), "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(money("5000")))
}

func TestLedger_DebitIsMonotonic(t *testing.T) {
	// GIVEN: A fresh ledger with a 5000 limit
	// WHEN: Debiting 300 then 200
	// THEN: Usage accumulates to 500, remaining drops to 4500, counts add up

	ledger, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("300"), 1, "adj-1", "claim a"))
	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("200"), 2, "adj-1", "claim b"))

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, usage.UsedAmount.Equal(money("500")))
	assert.Equal(t, 3, usage.UsedCount)
	assert.Equal(t, int64(2), usage.Version)

	remaining, err := ledger.Remaining(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(money("4500")))
}

func TestLedger_DebitRejectsNonPositiveAmount(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))

	err := ledger.Debit(context.Background(), "mem-1", "ben-gp", 2026, money("0"), 1, "adj-1", "noop")
	assert.ErrorIs(t, err, benefit.ErrValidation)

	err = ledger.Debit(context.Background(), "mem-1", "ben-gp", 2026, money("-10"), 1, "adj-1", "noop")
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

func TestLedger_DebitUnknownBenefit(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))

	err := ledger.Debit(context.Background(), "mem-1", "ben-missing", 2026, money("10"), 1, "adj-1", "x")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
}

func TestLedger_YearsAreIndependent(t *testing.T) {
	// GIVEN: Usage recorded in 2025
	// WHEN: Reading 2026
	// THEN: The new policy year starts clean

	ledger, _ := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2025, money("4000"), 1, "adj-1", "old year"))

	remaining, err := ledger.Remaining(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(money("5000")))
}

func TestLedger_DebitIsAudited(t *testing.T) {
	ledger, store := newTestLedger(t, gpVisit("5000"))

	require.NoError(t, ledger.Debit(context.Background(), "mem-1", "ben-gp", 2026, money("300"), 1, "adj-1", "claim a"))

	entries := store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, benefit.AuditDebit, entries[0].Action)
	assert.Equal(t, "adj-1", entries[0].ActorID)
	assert.Equal(t, benefit.MemberID("mem-1"), entries[0].MemberID)
}

func TestLedger_DebitEnforcesCountCap(t *testing.T) {
	// GIVEN: A benefit capped at 2 debits per year
	// WHEN: Debiting counts 1, 1, then 1 again
	// THEN: The third debit is rejected and the row is untouched

	entry := gpVisit("5000")
	entry.LimitCount = 2
	ledger, store := newTestLedger(t, entry)
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("100"), 1, "adj-1", "visit 1"))
	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("100"), 1, "adj-1", "visit 2"))

	err := ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("100"), 1, "adj-1", "visit 3")
	assert.ErrorIs(t, err, benefit.ErrInsufficientBalance)

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.UsedCount)
	assert.True(t, usage.UsedAmount.Equal(money("200")))
}

func TestLedger_UncountedBenefitIgnoresCounts(t *testing.T) {
	// LimitCount zero means the yearly count is not capped.
	ledger, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("10"), 1, "adj-1", "visit"))
	}

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.Equal(t, 30, usage.UsedCount)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestLedger_ReverseDecreasesUsage(t *testing.T) {
	ledger, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("500"), 2, "adj-1", "claim a"))
	require.NoError(t, ledger.Reverse(ctx, "mem-1", "ben-gp", 2026, money("200"), 1, "adj-1", "claim a corrected"))

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, usage.UsedAmount.Equal(money("300")))
	assert.Equal(t, 1, usage.UsedCount)
}

func TestLedger_ReverseRequiresReason(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("500"), 1, "adj-1", "claim a"))

	err := ledger.Reverse(ctx, "mem-1", "ben-gp", 2026, money("100"), 0, "adj-1", "")
	assert.ErrorIs(t, err, benefit.ErrValidation)
}

func TestLedger_ReverseCannotExceedUsage(t *testing.T) {
	// GIVEN: 500 recorded usage
	// WHEN: Reversing 600
	// THEN: Rejected; usage never goes negative

	ledger, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	require.NoError(t, ledger.Debit(ctx, "mem-1", "ben-gp", 2026, money("500"), 1, "adj-1", "claim a"))

	err := ledger.Reverse(ctx, "mem-1", "ben-gp", 2026, money("600"), 0, "adj-1", "too much")
	assert.ErrorIs(t, err, benefit.ErrValidation)

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, usage.UsedAmount.Equal(money("500")))
}

// =============================================================================
// EXTRA LIMIT
// =============================================================================

func TestLedger_DebitExtra(t *testing.T) {
	ledger, store := newTestLedger(t, gpVisit("5000"))
	store.PutLink(chronicLink("link-1", "mem-1", "1000", "0"))
	ctx := context.Background()

	require.NoError(t, ledger.DebitExtra(ctx, "link-1", money("400"), "adj-1", "claim a"))

	_, used, _, err := store.GetExtraLimit(ctx, "link-1")
	require.NoError(t, err)
	assert.True(t, used.Equal(money("400")))
}

func TestLedger_DebitExtraNeverExceedsCap(t *testing.T) {
	// GIVEN: Extra limit 1000 with 900 already used
	// WHEN: Debiting 200
	// THEN: InsufficientBalance; the counter is untouched, not partially applied

	ledger, store := newTestLedger(t, gpVisit("5000"))
	store.PutLink(chronicLink("link-1", "mem-1", "1000", "900"))
	ctx := context.Background()

	err := ledger.DebitExtra(ctx, "link-1", money("200"), "adj-1", "claim a")
	assert.ErrorIs(t, err, benefit.ErrInsufficientBalance)

	_, used, _, err := store.GetExtraLimit(ctx, "link-1")
	require.NoError(t, err)
	assert.True(t, used.Equal(money("900")))
}

func TestLedger_ReverseExtraReturnsDraw(t *testing.T) {
	ledger, store := newTestLedger(t, gpVisit("5000"))
	store.PutLink(chronicLink("link-1", "mem-1", "1000", "0"))
	ctx := context.Background()

	require.NoError(t, ledger.DebitExtra(ctx, "link-1", money("400"), "adj-1", "claim a"))
	require.NoError(t, ledger.ReverseExtra(ctx, "link-1", money("150"), "adj-1", "claim a corrected"))

	_, used, _, err := store.GetExtraLimit(ctx, "link-1")
	require.NoError(t, err)
	assert.True(t, used.Equal(money("250")))
}

func TestLedger_ReverseExtraCannotExceedUsage(t *testing.T) {
	ledger, store := newTestLedger(t, gpVisit("5000"))
	store.PutLink(chronicLink("link-1", "mem-1", "1000", "100"))
	ctx := context.Background()

	err := ledger.ReverseExtra(ctx, "link-1", money("200"), "adj-1", "too much")
	assert.ErrorIs(t, err, benefit.ErrValidation)

	err = ledger.ReverseExtra(ctx, "link-1", money("50"), "adj-1", "")
	assert.ErrorIs(t, err, benefit.ErrValidation)

	_, used, _, err := store.GetExtraLimit(ctx, "link-1")
	require.NoError(t, err)
	assert.True(t, used.Equal(money("100")))
}

func TestLedger_DebitExtraUnknownLink(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))

	err := ledger.DebitExtra(context.Background(), "link-missing", money("10"), "adj-1", "x")
	assert.True(t, benefit.IsNotFound(err))
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

func TestUsageStore_StaleVersionRejected(t *testing.T) {
	// GIVEN: Two writers that read the same usage row
	// WHEN: Both write back with the version they read
	// THEN: The second write fails with ErrConcurrentUpdate

	_, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	first, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	second := first

	first.UsedAmount = money("100")
	require.NoError(t, store.PutUsage(ctx, first, first.Version))

	second.UsedAmount = money("50")
	err = store.PutUsage(ctx, second, second.Version)
	assert.ErrorIs(t, err, benefit.ErrConcurrentUpdate)
	assert.True(t, benefit.IsRetryable(err))
}

func TestLedger_DebitWithRetry_Concurrent(t *testing.T) {
	// GIVEN: 20 goroutines debiting 10 each against the same key
	// WHEN: All use DebitWithRetry
	// THEN: No update is lost: usage ends at exactly 200

	ledger, store := newTestLedger(t, gpVisit("5000"))
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.DebitWithRetry(ctx, "mem-1", "ben-gp", 2026, money("10"), 1, "adj-1", "concurrent",
				benefit.RetryOptions{MaxAttempts: 50, InitialDelay: time.Millisecond, Multiplier: 1.5})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	usage, err := store.GetUsage(ctx, "mem-1", "ben-gp", 2026)
	require.NoError(t, err)
	assert.True(t, usage.UsedAmount.Equal(money("200")), "used %s", usage.UsedAmount)
	assert.Equal(t, workers, usage.UsedCount)
}

func TestLedger_DebitWithRetry_NonRetryableFailsFast(t *testing.T) {
	ledger, _ := newTestLedger(t, gpVisit("5000"))

	err := ledger.DebitWithRetry(context.Background(), "mem-1", "ben-missing", 2026, money("10"), 1, "adj-1", "x",
		benefit.RetryOptions{})
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
}
