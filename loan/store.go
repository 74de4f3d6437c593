/*
store.go - Persistence interface for loans

PURPOSE:
  Defines the boundary between the engine and the authoritative store.
  Exactly one copy of each loan exists behind this interface; everything a
  view holds is a cache refreshed by polling or broadcast.

COMMIT RECORDS:
  Mutations that race (extension, fine settlement) go through commit records
  carrying the state read at decision time. Implementations must apply them
  as an atomic compare-and-commit keyed by loan id: if the loan has moved on
  since the read, the commit fails with ConflictError and nothing changes.
  That makes the commit the serialization point for concurrent views.

IDEMPOTENCE:
  SetReturned and RecomputeDerived are idempotent: repeating them after a
  successful application has no further effect. Both are safe to call on
  every view load or scheduler tick.

IMPLEMENTATIONS:
  - loan/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: production SQLite

SEE ALSO:
  - machine.go: the only writer that should construct commit records
*/
package loan

import (
	"context"
	"time"
)

// ExtensionCommit applies a paid renewal. ExpectedExtendCount is the value
// read when the option was validated; the store rejects the commit with
// ConflictError if the stored count differs, or if a fine was levied or the
// loan returned in between.
type ExtensionCommit struct {
	LoanID              LoanID
	ExpectedExtendCount int
	Weeks               int
	NewDue              CivilDate
	AddedPrice          Money // weekly_price x weeks
	SettlementID        string
}

// FineCommit clears a levied fine after settlement. The store rejects it
// with ConflictError unless a fine is still pending. FrozenAmount is kept
// as the loan's final fine_amount.
type FineCommit struct {
	LoanID       LoanID
	FrozenAmount Money
	SettlementID string
}

// ReturnCommit closes a loan. Idempotent: returning an already-returned
// loan changes nothing. FrozenFine is the accrued estimate at return time,
// kept so the record never needs the clock again; ignored when a levied
// fine already froze the amount.
type ReturnCommit struct {
	LoanID     LoanID
	FrozenFine Money
	At         time.Time
}

// Store is the authoritative loan persistence.
type Store interface {
	// Create persists a new loan. Fails if the id already exists.
	Create(ctx context.Context, l Loan) error

	// Get returns the canonical record.
	Get(ctx context.Context, id LoanID) (Loan, error)

	// ListByBorrower returns a borrower's loans, newest first.
	// Loans are never hard-deleted; closed loans remain as history.
	ListByBorrower(ctx context.Context, borrower BorrowerID) ([]Loan, error)

	// ListAll returns every loan, newest first. Staff data-collection view.
	ListAll(ctx context.Context) ([]Loan, error)

	// ApplyExtension commits a paid renewal (compare-and-commit).
	ApplyExtension(ctx context.Context, c ExtensionCommit) (Loan, error)

	// LevyFine formally levies a fine, freezing the amount. No-op when a
	// fine is already pending; rejected on a returned loan.
	LevyFine(ctx context.Context, id LoanID, amount Money) (Loan, error)

	// SettleFine clears a pending fine (compare-and-commit).
	SettleFine(ctx context.Context, c FineCommit) (Loan, error)

	// SetReturned closes a loan. Idempotent.
	SetReturned(ctx context.Context, c ReturnCommit) (Loan, error)

	// RecomputeDerived is the recurring day-boundary reconciliation: it
	// folds any legacy persisted "overdue" status back to ongoing and
	// clamps due dates to the cap. Returns how many rows changed.
	// Idempotent; safe to invoke on every view load.
	RecomputeDerived(ctx context.Context, now time.Time) (int, error)
}
