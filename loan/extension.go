/*
extension.go - Renewal option planning

PURPOSE:
  Computes which renewal durations a borrower may still buy. Candidates are
  1, 2 and 3 weeks; an option is valid iff the new due date stays within the
  immutable max_due cap (boundary inclusive). The result is an ordered list,
  possibly empty.

  An empty list is not one condition but several, and the UI must tell them
  apart: the cap may be exhausted, a levied fine may block renewals, or the
  loan may already be closed. Plan surfaces the distinction as a BlockReason.

PRICING:
  An extension costs weekly_price x weeks. If the loan is currently overdue
  and no fine has been formally levied, the late-fee estimate at request
  time is bundled into the same settlement as a one-time charge; it is not
  a recurring fine.

SEE ALSO:
  - machine.go: enforces the plan before contacting the gateway
  - fine.go: the bundled late-fee estimate
*/
package loan

import "time"

// ExtensionOption is one valid renewal duration.
type ExtensionOption struct {
	Weeks  int
	NewDue CivilDate
	Cost   Money // weekly_price x weeks, excluding any bundled late fee
}

// BlockReason says why no extension is possible. Empty when options exist.
type BlockReason string

const (
	BlockNone        BlockReason = ""
	BlockCapReached  BlockReason = "cap_reached"
	BlockFinePending BlockReason = "fine_pending"
	BlockReturned    BlockReason = "returned"
)

// ExtensionPlan is the full renewal picture for one loan at one instant.
type ExtensionPlan struct {
	Options []ExtensionOption
	Blocked BlockReason
	// LateFee is the one-time charge bundled into an extension settlement
	// when the loan is overdue without a levied fine. Zero otherwise.
	LateFee Money
}

// Options lists the renewal durations whose new due date fits under the cap,
// in ascending order. Returns nil for a closed loan.
func Options(l Loan) []ExtensionOption {
	if l.Returned {
		return nil
	}
	var opts []ExtensionOption
	for _, w := range CandidateWeeks {
		due := l.Due.AddWeeks(w)
		if due.After(l.MaxDue) {
			continue
		}
		opts = append(opts, ExtensionOption{
			Weeks:  w,
			NewDue: due,
			Cost:   l.WeeklyPrice.MulInt(w),
		})
	}
	return opts
}

// Plan computes the renewal options together with the reason they are
// unavailable, and the late fee that an extension settlement must bundle.
func Plan(l Loan, now time.Time) ExtensionPlan {
	if l.Returned {
		return ExtensionPlan{Blocked: BlockReturned}
	}

	plan := ExtensionPlan{Options: Options(l)}

	if l.Fine {
		// A levied fine blocks renewal outright, even if durations remain.
		plan.Options = nil
		plan.Blocked = BlockFinePending
		return plan
	}

	if Resolve(l, now) == StatusOverdue {
		plan.LateFee = Accrue(l.Due, now)
	}

	if len(plan.Options) == 0 {
		plan.Blocked = BlockCapReached
	}
	return plan
}

// OptionFor picks the option with the given duration from a plan.
func (p ExtensionPlan) OptionFor(weeks int) (ExtensionOption, bool) {
	for _, o := range p.Options {
		if o.Weeks == weeks {
			return o, true
		}
	}
	return ExtensionOption{}, false
}
