/*
Package loan implements the loan lifecycle engine.

PURPOSE:
  This package contains the rules that derive a loan's effective state from
  dates, accrue late fines, bound renewal options against a hard cap, and
  drive the legal transitions between states. Everything here is independent
  of HTTP, rendering, and storage engines; persistence and payments are
  reached only through the Store and PaymentGateway interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan: the authoritative record (one copy of truth, lives in a Store)
  - Status: the derived lifecycle value {Ongoing, Overdue, Returned}
  - Money: decimal amount in rupiah minor units
  - Lifecycle constants: 7-day period, 21-day cap, 5000/day fine rate

DESIGN PRINCIPLES:
  1. Overdue is never stored. It is always derived from dates (status.go).
  2. Frozen after return: due date and fine stop moving once a loan closes.
  3. Precision: Money uses decimal.Decimal, never float.
  4. Derivations are pure: record + now in, value out, no hidden clock.

SEE ALSO:
  - status.go, fine.go, extension.go: the pure calculators
  - machine.go: legal transitions built on the calculators
  - store.go: persistence interface and commit records
*/
package loan

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Rupiah minor units
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(v int64) Money { return Money{Value: decimal.NewFromInt(v)} }

func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

func (m Money) Add(o Money) Money      { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) MulInt(n int) Money     { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) IsZero() bool           { return m.Value.IsZero() }
func (m Money) IsPositive() bool       { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool     { return m.Value.Equal(o.Value) }
func (m Money) String() string         { return m.Value.String() }

// =============================================================================
// IDENTIFIERS AND STATUS
// =============================================================================

type LoanID string
type BorrowerID string

// Status is the derived lifecycle value. Only Ongoing and Returned are ever
// persisted; Overdue exists purely as a derivation (see status.go).
type Status string

const (
	StatusOngoing  Status = "ongoing"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"
)

// =============================================================================
// LIFECYCLE CONSTANTS
// =============================================================================

const (
	// LoanPeriodDays is the initial borrowing period.
	LoanPeriodDays = 7

	// MaxLoanDays caps the total period; extensions can never push the due
	// date past loan_start + MaxLoanDays.
	MaxLoanDays = 21

	// FlatFineRate is the fine accrued per late day, in minor units.
	FlatFineRate = 5000

	// MaxCopies bounds how many copies one loan may cover.
	MaxCopies = 2
)

// CandidateWeeks are the renewal durations offered to borrowers, in order.
var CandidateWeeks = []int{1, 2, 3}

// FineRate returns the per-day fine as Money.
func FineRate() Money { return NewMoney(FlatFineRate) }

// =============================================================================
// LOAN RECORD
// =============================================================================

// BookRef identifies one borrowed copy.
type BookRef struct {
	BookID string
	Title  string
}

// Loan is the authoritative record. Exactly one copy exists (in the Store);
// every view's copy is a cache refreshed by polling or broadcast.
type Loan struct {
	ID         LoanID
	BorrowerID BorrowerID
	Books      []BookRef // 1..MaxCopies copies
	Copies     int

	Start  CivilDate // borrow day
	Due    CivilDate // mutable; always <= MaxDue
	MaxDue CivilDate // immutable cap fixed at creation

	// Returned is the server-controlled terminal flag. Once set, Due, Fine
	// and FineAmount are frozen and never recomputed against "now" again.
	Returned   bool
	ReturnedAt *time.Time

	// Fine marks a formally levied fine (distinct from the ad hoc late-fee
	// estimate shown while a loan is merely overdue). FineAmount freezes the
	// moment Fine flips true and stays frozen through settlement and return.
	Fine       bool
	FineAmount Money

	// ExtendCount only grows, and only through a successful settlement.
	// It doubles as the compare-and-commit guard for concurrent extensions.
	ExtendCount int

	// LastSettlementID records the settlement behind the most recent paid
	// mutation. Commits carrying an already-applied settlement are no-ops,
	// which makes extend/pay-fine idempotent across client retries.
	LastSettlementID string

	WeeklyPrice Money // rental charge per week for all copies
	Price       Money // total rental charge for the current period

	CreatedAt time.Time
}

// NewLoan builds a fresh loan starting on the given day: due after one week,
// hard cap three weeks out, no fine, no extensions.
func NewLoan(id LoanID, borrower BorrowerID, books []BookRef, weeklyPrice Money, start CivilDate) Loan {
	return Loan{
		ID:          id,
		BorrowerID:  borrower,
		Books:       books,
		Copies:      len(books),
		Start:       start,
		Due:         start.AddDays(LoanPeriodDays),
		MaxDue:      start.AddDays(MaxLoanDays),
		WeeklyPrice: weeklyPrice,
		Price:       weeklyPrice,
		CreatedAt:   start.Time(),
	}
}

// Validate checks record-level invariants.
func (l Loan) Validate() error {
	if l.ID == "" {
		return &ValidationError{Reason: "loan id is required"}
	}
	if l.BorrowerID == "" {
		return &ValidationError{Reason: "borrower id is required"}
	}
	if len(l.Books) < 1 || len(l.Books) > MaxCopies {
		return &ValidationError{Reason: "a loan covers 1 or 2 copies"}
	}
	if l.Due.After(l.MaxDue) {
		return &ValidationError{Reason: "due date past the extension cap"}
	}
	return nil
}

// =============================================================================
// MUTATION SIGNAL - What the machine tells the broadcaster
// =============================================================================

// MutationKind names what changed. Views must never treat it as the payload
// of record; it only tells them to re-fetch.
type MutationKind string

const (
	MutationExtended    MutationKind = "extended"
	MutationFineLevied  MutationKind = "fine_levied"
	MutationFineSettled MutationKind = "fine_settled"
	MutationReturned    MutationKind = "returned"
	MutationRecomputed  MutationKind = "recomputed"
)

// Mutation is the broadcast signal: loan id and kind, nothing more.
type Mutation struct {
	LoanID LoanID       `json:"loan_id"`
	Kind   MutationKind `json:"kind"`
}

// Notifier receives mutation signals after committed transitions.
// Implemented by the broadcast package.
type Notifier interface {
	LoanMutated(m Mutation)
}

// NopNotifier discards signals. For tests and batch tools.
type NopNotifier struct{}

func (NopNotifier) LoanMutated(Mutation) {}
