/*
errors.go - Centralized error taxonomy for the loan engine

PURPOSE:
  All error types in one place. Callers match with errors.Is/As; the HTTP
  layer maps them to status codes with the classification helpers below.

ERROR CATEGORIES:
  1. Validation errors - intent rejected before any money moves
  2. Payment errors    - gateway declined; nothing committed; retryable
  3. Conflict errors   - loan mutated concurrently; refetch and recompute
  4. Network errors    - transient fetch failure; the next poll tick resolves

SEE ALSO:
  - machine.go: raises validation/payment/conflict errors
  - store.go: conflict detection contract
*/
package loan

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLoanNotFound is returned when a referenced loan doesn't exist.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrFinePending is returned when an extension is attempted while a
	// levied fine is unsettled. The fine must be paid first.
	ErrFinePending = errors.New("fine must be settled first")

	// ErrExtensionCapReached is returned when no renewal duration fits under
	// the max_due cap. Distinct from ErrFinePending: same disabled action,
	// different reason.
	ErrExtensionCapReached = errors.New("extension cap reached")

	// ErrLoanReturned is returned when a transition is attempted on a closed
	// loan. Returned is terminal.
	ErrLoanReturned = errors.New("loan already returned")

	// ErrNoFine is returned when pay-fine is attempted with no levied fine.
	ErrNoFine = errors.New("no fine to settle")

	// ErrConflict is returned when the loan mutated between the decision-time
	// read and the commit. The caller must refetch and recompute options.
	ErrConflict = errors.New("loan mutated concurrently")

	// ErrPaymentDeclined is returned when the gateway refuses a settlement.
	// No state was mutated; safe to retry.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrDuplicateSettlement is returned when an idempotency token was
	// already consumed by a different settlement request.
	ErrDuplicateSettlement = errors.New("idempotency token already used")

	// ErrNetwork is a transient fetch failure. Not retried immediately;
	// the next poll tick resolves it.
	ErrNetwork = errors.New("transient network failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError rejects an intent before the gateway is contacted.
type ValidationError struct {
	Reason string
	Err    error // optional sentinel, e.g. ErrFinePending
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError reports a concurrent mutation detected at commit time.
// Reason names what moved underneath the caller when the conflict is not an
// extend_count mismatch (a fine landed, the loan was returned).
type ConflictError struct {
	LoanID   LoanID
	Reason   string
	Expected int // extend_count read at decision time
	Actual   int
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("loan %s mutated concurrently: %s", e.LoanID, e.Reason)
	}
	return fmt.Sprintf("loan %s mutated concurrently (extend_count %d, expected %d)",
		e.LoanID, e.Actual, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PaymentError reports a gateway decline. The composite state is unchanged.
type PaymentError struct {
	LoanID LoanID
	Kind   SettlementKind
	Reason string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment declined for loan %s (%s): %s", e.LoanID, e.Kind, e.Reason)
}

func (e *PaymentError) Unwrap() error { return ErrPaymentDeclined }

// NetworkError wraps a transient failure talking to the store or gateway.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return ErrNetwork }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether repeating the same call might succeed.
// Conflicts are NOT retryable as-is: the caller must refetch first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPaymentDeclined) || errors.Is(err, ErrNetwork)
}

// IsClientError reports whether the error is the caller's fault.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrDuplicateSettlement)
}

// IsConflict reports a concurrent-mutation rejection.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports a missing loan.
func IsNotFound(err error) bool { return errors.Is(err, ErrLoanNotFound) }
