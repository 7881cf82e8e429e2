/*
ledger.go - Benefit usage ledger

PURPOSE:
  The Ledger is the source of truth for how much of a benefit's regular
  limit a member has consumed in a policy year, and for the extra-limit
  counters granted by chronic conditions.

CRITICAL INVARIANTS:
  1. MONOTONIC: UsedAmount/UsedCount never decrease within a year, except
     through Reverse, which is explicit and audited.
  2. LOSE-UPDATE FREE: Concurrent debits for the same (member, benefit,
     year) key are serialized by optimistic versioning. The losing writer
     gets ErrConcurrentUpdate and retries.
  3. CAPPED EXTRA: ExtraLimitUsed never exceeds ExtraLimit.

WHY OPTIMISTIC, NOT A LOCK?
  The surrounding service may run many workers; the engine holds no locks
  across I/O. A version check fails fast and tells the caller to retry with
  backoff (DebitWithRetry, bounded attempts).

COMMIT SEMANTICS:
  The ledger is only debited when a claim line transitions to APPROVED.
  Pricing a line (engine.PriceLine) never touches the ledger, so dry-run
  pricing is repeatable and side-effect free.

SEE ALSO:
  - store.go: UsageStore / ExtraLimitStore contracts
  - engine.go: Who calls Debit, and when
*/
package benefit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Catalog BenefitCatalog
	Usage   UsageStore
	Extra   ExtraLimitStore
	Audit   AuditLog
}

func NewLedger(catalog BenefitCatalog, usage UsageStore, extra ExtraLimitStore, audit AuditLog) *Ledger {
	if audit == nil {
		audit = NopAuditLog{}
	}
	return &Ledger{Catalog: catalog, Usage: usage, Extra: extra, Audit: audit}
}

// Remaining returns regularLimit - usedAmount for the key. The result may be
// negative; callers treat negative as zero remaining for computation but the
// raw value is what exceed-amount reporting is based on.
func (l *Ledger) Remaining(ctx context.Context, memberID MemberID, benefitID BenefitID, year int) (Money, error) {
	entry, err := l.Catalog.ByID(ctx, benefitID)
	if err != nil {
		return Money{}, err
	}

	usage, err := l.Usage.GetUsage(ctx, memberID, benefitID, year)
	if err != nil {
		return Money{}, err
	}

	return entry.LimitAmount.Sub(usage.UsedAmount), nil
}

// Debit increases UsedAmount/UsedCount for the key. A single attempt: on
// version conflict it returns ErrConcurrentUpdate and the caller retries
// (or uses DebitWithRetry).
//
// Counted benefits (LimitCount > 0) additionally cap UsedCount: a debit that
// would push past the cap fails with InsufficientBalanceError. The version
// check on the write keeps the cap race-free; an interleaved debit forces a
// re-read.
func (l *Ledger) Debit(ctx context.Context, memberID MemberID, benefitID BenefitID, year int, amount Money, count int, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "debit amount must be positive"}
	}
	if count < 0 {
		return &ValidationError{Field: "count", Message: "debit count must not be negative"}
	}
	entry, err := l.Catalog.ByID(ctx, benefitID)
	if err != nil {
		return err
	}

	usage, err := l.Usage.GetUsage(ctx, memberID, benefitID, year)
	if err != nil {
		return err
	}

	if entry.LimitCount > 0 && usage.UsedCount+count > entry.LimitCount {
		return &InsufficientBalanceError{
			MemberID:       memberID,
			BenefitID:      benefitID,
			AvailableCount: entry.LimitCount - usage.UsedCount,
			RequestedCount: count,
		}
	}

	expected := usage.Version
	usage.MemberID = memberID
	usage.BenefitID = benefitID
	usage.Year = year
	usage.UsedAmount = usage.UsedAmount.Add(amount)
	usage.UsedCount += count
	usage.UpdatedAt = time.Now().UTC()

	if err := l.Usage.PutUsage(ctx, usage, expected); err != nil {
		return err
	}

	return l.Audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor,
		Action:    AuditDebit,
		MemberID:  memberID,
		Reference: string(benefitID),
		Detail:    fmt.Sprintf("debit %s (count %d): %s", amount, count, reason),
	})
}

// Reverse is the only operation that decreases usage. It exists for claim
// corrections and must always be audited; it never pushes usage negative.
func (l *Ledger) Reverse(ctx context.Context, memberID MemberID, benefitID BenefitID, year int, amount Money, count int, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "reversal amount must be positive"}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "reversal requires a reason"}
	}

	usage, err := l.Usage.GetUsage(ctx, memberID, benefitID, year)
	if err != nil {
		return err
	}
	if amount.GreaterThan(usage.UsedAmount) || count > usage.UsedCount {
		return &ValidationError{Field: "amount", Message: "reversal exceeds recorded usage"}
	}

	expected := usage.Version
	usage.UsedAmount = usage.UsedAmount.Sub(amount)
	usage.UsedCount -= count
	usage.UpdatedAt = time.Now().UTC()

	if err := l.Usage.PutUsage(ctx, usage, expected); err != nil {
		return err
	}

	return l.Audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor,
		Action:    AuditReversal,
		MemberID:  memberID,
		Reference: string(benefitID),
		Detail:    fmt.Sprintf("reverse %s (count %d): %s", amount, count, reason),
	})
}

// DebitExtra draws on a member chronic condition's extra limit. The counter
// is capped: a draw that would push ExtraLimitUsed past ExtraLimit fails
// with InsufficientBalanceError instead of partially applying.
func (l *Ledger) DebitExtra(ctx context.Context, linkID string, amount Money, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "debit amount must be positive"}
	}

	limit, used, version, err := l.Extra.GetExtraLimit(ctx, linkID)
	if err != nil {
		return err
	}

	remaining := limit.Sub(used)
	if amount.GreaterThan(remaining) {
		return &InsufficientBalanceError{
			Available: remaining,
			Requested: amount,
			Shortfall: amount.Sub(remaining),
		}
	}

	if err := l.Extra.PutExtraLimitUsed(ctx, linkID, used.Add(amount), version); err != nil {
		return err
	}

	return l.Audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor,
		Action:    AuditDebitExtra,
		Reference: linkID,
		Detail:    fmt.Sprintf("debit extra %s: %s", amount, reason),
	})
}

// ReverseExtra returns a previously drawn amount to a link's extra counter.
// Exists for claim corrections and for restoring partially committed lines;
// it never pushes the counter negative.
func (l *Ledger) ReverseExtra(ctx context.Context, linkID string, amount Money, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "reversal amount must be positive"}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "reversal requires a reason"}
	}

	_, used, version, err := l.Extra.GetExtraLimit(ctx, linkID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(used) {
		return &ValidationError{Field: "amount", Message: "reversal exceeds recorded usage"}
	}

	if err := l.Extra.PutExtraLimitUsed(ctx, linkID, used.Sub(amount), version); err != nil {
		return err
	}

	return l.Audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor,
		Action:    AuditReversal,
		Reference: linkID,
		Detail:    fmt.Sprintf("reverse extra %s: %s", amount, reason),
	})
}

// =============================================================================
// BOUNDED RETRY - For optimistic conflicts
// =============================================================================

// RetryOptions bounds the retry loop for ErrConcurrentUpdate. Defaults:
// 4 attempts, 25ms initial delay, doubling.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

func (o *RetryOptions) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 25 * time.Millisecond
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2.0
	}
}

// withRetry runs op, retrying ErrConcurrentUpdate with exponential backoff.
// Exhausted retries surface the last conflict as a transient failure; all
// other errors return immediately.
func withRetry(ctx context.Context, opts RetryOptions, op func() error) error {
	opts.fill()
	delay := opts.InitialDelay

	var err error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * opts.Multiplier)
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", opts.MaxAttempts, err)
}

// DebitWithRetry retries Debit on version conflicts.
func (l *Ledger) DebitWithRetry(ctx context.Context, memberID MemberID, benefitID BenefitID, year int, amount Money, count int, actor, reason string, opts RetryOptions) error {
	return withRetry(ctx, opts, func() error {
		return l.Debit(ctx, memberID, benefitID, year, amount, count, actor, reason)
	})
}
