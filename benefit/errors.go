/*
errors.go - Centralized error types for the adjudication engine

PURPOSE:
  All engine error categories in one place. Every failure mode is a typed
  value usable with errors.Is/errors.As; errors are never used for normal
  control flow and are never silently coerced.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any computation
  2. Not-found errors  - Unknown benefit/member/rule references
  3. Balance errors    - Coverage exceeds regular and extra limits
  4. Concurrency errors - Optimistic version conflicts (retryable)

SEE ALSO:
  - ledger.go: Uses these errors
  - preapproval/workflow.go: Adds InvalidStateTransitionError
*/
package benefit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBenefitNotFound is returned when no benefit entry exists for a
	// requested service code.
	ErrBenefitNotFound = errors.New("benefit entry not found")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrInsufficientBalance is returned when required coverage exceeds both
	// the regular and chronic extra limits and no pre-approval override
	// exists. Not retryable; requires a business decision.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentUpdate is returned when an optimistic version check
	// detects interleaving. Safe to retry a bounded number of times.
	ErrConcurrentUpdate = errors.New("concurrent update conflict")

	// ErrValidation is the root of all pre-computation input rejections.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidStateTransition is returned for any lifecycle transition not
	// legal from the current state. Always reported, never coerced.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError rejects invalid input before any computation runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies which reference could not be resolved.
type NotFoundError struct {
	Kind string // "benefit", "member", "condition", "approval", "rule"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "benefit":
		return ErrBenefitNotFound
	case "member":
		return ErrMemberNotFound
	default:
		return nil
	}
}

// InsufficientBalanceError reports the shortage in detail so the caller can
// decide whether to open a pre-approval for the exceed amount.
type InsufficientBalanceError struct {
	MemberID  MemberID
	BenefitID BenefitID
	Available Money
	Requested Money
	Shortfall Money

	// AvailableCount/RequestedCount are set instead of the amounts when a
	// visit-count cap, not a monetary limit, is what ran out.
	AvailableCount int
	RequestedCount int
}

func (e *InsufficientBalanceError) Error() string {
	if e.RequestedCount > 0 {
		return fmt.Sprintf("visit count limit exhausted: %d left, %d requested",
			e.AvailableCount, e.RequestedCount)
	}
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidStateTransitionError names the record, its current state, and the
// attempted operation. Shared by the claim-item lifecycle and the
// pre-approval workflow.
type InvalidStateTransitionError struct {
	Entity string // "claim_item", "pre_approval"
	ID     string
	From   string
	Op     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("illegal %s on %s %s in state %s", e.Op, e.Entity, e.ID, e.From)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ConflictError reports an optimistic lock failure on a ledger or approval
// row. Callers retry with backoff; see Ledger.DebitWithRetry.
type ConflictError struct {
	Resource string // "usage", "condition", "approval"
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update on %s %s", e.Resource, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentUpdate }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing reference.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrBenefitNotFound) || errors.Is(err, ErrMemberNotFound) {
		return true
	}
	var nf *NotFoundError
	return errors.As(err, &nf)
}
