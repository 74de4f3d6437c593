package loan

import "time"

// DaysLate counts whole calendar days past the due day. Never negative.
func DaysLate(due CivilDate, now time.Time) int {
	d := DateOf(now).DaysSince(due)
	if d < 0 {
		return 0
	}
	return d
}

// Accrue computes the running late-fee estimate for an open loan:
// days late times the flat daily rate.
func Accrue(due CivilDate, now time.Time) Money {
	return FineRate().MulInt(DaysLate(due, now))
}

// AccruedFine returns what the borrower owes in fines right now.
//
// While the loan is open and no fine has been formally levied, the amount is
// a live estimate recomputed from now. The moment a fine is levied or the
// loan is returned, the amount freezes at its stored value and is never
// derived from the clock again. Recomputing a frozen fine would make a
// closed loan's debt keep growing, which is exactly the defect this engine
// exists to prevent.
func AccruedFine(l Loan, now time.Time) Money {
	if l.Returned || l.Fine {
		return l.FineAmount
	}
	return Accrue(l.Due, now)
}
