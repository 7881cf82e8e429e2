/*
store.go - Persistence interfaces for the adjudication engine

PURPOSE:
  Defines the boundary between the engine and storage. The engine owns two
  pieces of mutable state: benefit usage rows and (through the chronic extra
  interface) member condition extra-limit counters. Everything else it reads.

OPTIMISTIC LOCKING CONTRACT:
  Mutating methods take the version the caller read. Implementations MUST
  reject a write whose expected version no longer matches the stored row,
  returning benefit.ErrConcurrentUpdate (wrapped in ConflictError). This is
  what makes concurrent debits against the same (member, benefit, year) key
  lose-update free.

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and dev
  - store/sqlite: production SQLite with version columns

SEE ALSO:
  - ledger.go: The read-modify-write loops built on these interfaces
  - chronic/registry.go: ChronicSource implementation
*/
package benefit

import (
	"context"
	"time"
)

// =============================================================================
// BENEFIT CATALOG - Read-only benefit table owned by the directory service
// =============================================================================

type BenefitCatalog interface {
	// ByServiceCode resolves the active benefit entry for a service code.
	// Returns NotFoundError{Kind: "benefit"} when no entry exists.
	ByServiceCode(ctx context.Context, code string) (BenefitEntry, error)

	// ByID resolves a benefit entry by its identifier.
	ByID(ctx context.Context, id BenefitID) (BenefitEntry, error)
}

// =============================================================================
// USAGE STORE - The ledger's persistence
// =============================================================================

type UsageStore interface {
	// GetUsage returns the usage row for the key, or a zero-valued row with
	// Version 0 when the member has not consumed this benefit this year.
	GetUsage(ctx context.Context, memberID MemberID, benefitID BenefitID, year int) (Usage, error)

	// PutUsage writes the row if its stored version still equals
	// expectedVersion (0 = row must not exist yet). On mismatch it returns
	// an error wrapping ErrConcurrentUpdate.
	PutUsage(ctx context.Context, u Usage, expectedVersion int64) error
}

// =============================================================================
// EXTRA LIMIT STORE - Chronic extra-limit counters (narrow capability)
// =============================================================================

// ExtraLimitStore exposes just enough of the member-condition row for the
// ledger to debit an extra limit. The chronic package owns the full record;
// stores implement both views over the same rows.
type ExtraLimitStore interface {
	// GetExtraLimit returns (limit, used, version) for a member chronic
	// condition link. Returns NotFoundError{Kind: "condition"} when absent.
	GetExtraLimit(ctx context.Context, linkID string) (limit, used Money, version int64, err error)

	// PutExtraLimitUsed updates the used counter with an optimistic check.
	PutExtraLimitUsed(ctx context.Context, linkID string, used Money, expectedVersion int64) error
}

// =============================================================================
// CHRONIC SOURCE - Resolved by the chronic registry
// =============================================================================

// ChronicSource is what the adjudication engine needs to know about a
// member's chronic coverage. Implemented by chronic.Registry.
type ChronicSource interface {
	// ExtraRemaining sums the remaining extra limit across the member's
	// currently-valid condition links applicable to the benefit category.
	ExtraRemaining(ctx context.Context, memberID MemberID, category string, asOf time.Time) (Money, error)

	// ApplicableLinks returns the link IDs (with their remaining extra, in
	// draw order) that a committed line should debit from.
	ApplicableLinks(ctx context.Context, memberID MemberID, category string, asOf time.Time) ([]ExtraLink, error)
}

// ExtraLink pairs a member condition link with its remaining extra limit.
type ExtraLink struct {
	LinkID    string
	Remaining Money
}

// =============================================================================
// AUDIT LOG - Append-only record of who did what when
// =============================================================================

type AuditAction string

const (
	AuditDebit            AuditAction = "ledger_debit"
	AuditDebitExtra       AuditAction = "ledger_debit_extra"
	AuditReversal         AuditAction = "ledger_reversal"
	AuditApprovalCreated  AuditAction = "approval_created"
	AuditApprovalDecision AuditAction = "approval_decision"
	AuditApprovalExpired  AuditAction = "approval_expired"
	AuditApprovalConsumed AuditAction = "approval_consumed"
)

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	MemberID  MemberID
	Reference string // benefit ID, approval number, claim item ID
	Detail    string
}

// AuditLog stores audit entries. Append-only; no update, no delete.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// NopAuditLog discards entries. Used when auditing is handled elsewhere.
type NopAuditLog struct{}

func (NopAuditLog) AppendAudit(context.Context, AuditEntry) error { return nil }
