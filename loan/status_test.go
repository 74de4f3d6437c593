package loan_test

import (
	"testing"
	"time"

	"github.com/room19/loan-engine/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(y int, m time.Month, d int) loan.CivilDate {
	return loan.NewCivilDate(y, m, d)
}

func rp(v int64) loan.Money { return loan.NewMoney(v) }

// openLoan builds a one-copy loan starting on the given day, weekly price
// Rp 10000, using the standard 7/21-day lifecycle.
func openLoan(id string, start loan.CivilDate) loan.Loan {
	return loan.NewLoan(
		loan.LoanID(id),
		"borrower-1",
		[]loan.BookRef{{BookID: "book-1", Title: "Laut Bercerita"}},
		rp(10000),
		start,
	)
}

// =============================================================================
// STATUS RESOLUTION
// =============================================================================

func TestResolve_DueToday_IsOngoing(t *testing.T) {
	// GIVEN: A loan due June 1
	// WHEN: Resolving late on June 1 (WIB)
	// THEN: Status is Ongoing - due today is not overdue

	l := openLoan("l1", date(2025, time.May, 25)) // due 2025-06-01
	now := time.Date(2025, time.June, 1, 23, 30, 0, 0, loan.WIB)

	if got := loan.Resolve(l, now); got != loan.StatusOngoing {
		t.Errorf("expected ongoing, got %s", got)
	}
}

func TestResolve_MidnightAfterDue_IsOverdue(t *testing.T) {
	// GIVEN: A loan due June 1
	// WHEN: Resolving just after midnight WIB on June 2
	// THEN: Status flips to Overdue

	l := openLoan("l1", date(2025, time.May, 25))
	now := time.Date(2025, time.June, 2, 0, 30, 0, 0, loan.WIB)

	if got := loan.Resolve(l, now); got != loan.StatusOverdue {
		t.Errorf("expected overdue, got %s", got)
	}
}

func TestResolve_ComparesCivilDaysInWIB(t *testing.T) {
	// GIVEN: A loan due June 1
	// WHEN: Resolving at an instant that is June 1 in UTC but already
	//       June 2 in WIB
	// THEN: The WIB calendar decides - the loan is Overdue

	l := openLoan("l1", date(2025, time.May, 25))
	now := time.Date(2025, time.June, 1, 20, 0, 0, 0, time.UTC) // 03:00 June 2 WIB

	if got := loan.Resolve(l, now); got != loan.StatusOverdue {
		t.Errorf("expected overdue, got %s", got)
	}
}

func TestResolve_Returned_ShortCircuits(t *testing.T) {
	// GIVEN: A returned loan whose due date is long past
	// WHEN: Resolving at any later instant
	// THEN: Status stays Returned, never Overdue

	l := openLoan("l1", date(2025, time.January, 1))
	l.Returned = true

	now := time.Date(2026, time.January, 1, 12, 0, 0, 0, loan.WIB)
	if got := loan.Resolve(l, now); got != loan.StatusReturned {
		t.Errorf("expected returned, got %s", got)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	// Same record, same instant, same answer - every time.

	l := openLoan("l1", date(2025, time.May, 1))
	now := time.Date(2025, time.June, 5, 9, 0, 0, 0, loan.WIB)

	first := loan.Resolve(l, now)
	for i := 0; i < 10; i++ {
		if got := loan.Resolve(l, now); got != first {
			t.Fatalf("resolution changed between calls: %s vs %s", first, got)
		}
	}
}

// =============================================================================
// CIVIL DATE ARITHMETIC
// =============================================================================

func TestCivilDate_DaysSince(t *testing.T) {
	tests := []struct {
		name string
		from loan.CivilDate
		to   loan.CivilDate
		want int
	}{
		{"same day", date(2025, time.June, 1), date(2025, time.June, 1), 0},
		{"next day", date(2025, time.June, 1), date(2025, time.June, 2), 1},
		{"across month", date(2025, time.May, 30), date(2025, time.June, 2), 3},
		{"backwards", date(2025, time.June, 5), date(2025, time.June, 1), -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.to.DaysSince(tt.from); got != tt.want {
				t.Errorf("DaysSince = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewLoan_Lifecycle(t *testing.T) {
	// A fresh loan: due one week out, capped at three, nothing accrued.

	start := date(2025, time.June, 1)
	l := openLoan("l1", start)

	if !l.Due.Equal(date(2025, time.June, 8)) {
		t.Errorf("due = %s, want 2025-06-08", l.Due)
	}
	if !l.MaxDue.Equal(date(2025, time.June, 22)) {
		t.Errorf("max due = %s, want 2025-06-22", l.MaxDue)
	}
	if l.Fine || l.ExtendCount != 0 {
		t.Errorf("fresh loan carries fine=%v extend_count=%d", l.Fine, l.ExtendCount)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("fresh loan should validate: %v", err)
	}
}
