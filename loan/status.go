package loan

import "time"

// Resolve derives the effective lifecycle status of a loan at an instant.
// Pure and deterministic: the same record and now always resolve the same way.
//
// A returned loan stays Returned no matter how far now advances. Otherwise
// the comparison is between calendar days in WIB: a loan due today is still
// Ongoing; it turns Overdue at midnight after its due day.
func Resolve(l Loan, now time.Time) Status {
	if l.Returned {
		return StatusReturned
	}
	if DateOf(now).After(l.Due) {
		return StatusOverdue
	}
	return StatusOngoing
}
