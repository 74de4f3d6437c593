/*
machine.go - Loan state machine

PURPOSE:
  Orchestrates the legal transitions of a loan's composite state
  (lifecycle x fine flag), guarded by the pure calculators:

    {Ongoing, Overdue} x fine=false --extend(valid option)--> Ongoing x fine=false
    {Ongoing, Overdue} x fine=false --levy fine------------> same x fine=true
    {Ongoing, Overdue} x fine=true  --pay fine-------------> derived x fine=false
    any state           --staff marks returned------------> Returned (terminal)

GUARDS:
  - extend is refused outright while a fine is pending (settle it first)
  - extend is refused when the planner's option set is empty (cap reached)
  - pay-fine is an error when no fine is pending
  - nothing moves on a returned loan

FAILURE SEMANTICS:
  A gateway decline leaves the composite state untouched; the caller may
  retry with the same token. A commit-time conflict means another view won
  the race: the settlement is voided best effort and the caller must
  refetch and recompute options before trying again.

SEE ALSO:
  - status.go / fine.go / extension.go: the guards
  - store.go: compare-and-commit contract
*/
package loan

import (
	"context"
	"fmt"
	"log"
)

// Machine drives loan transitions. Construct with NewMachine.
type Machine struct {
	store   Store
	gateway PaymentGateway
	clock   Clock
	notify  Notifier
}

func NewMachine(store Store, gateway PaymentGateway, clock Clock, notify Notifier) *Machine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Machine{store: store, gateway: gateway, clock: clock, notify: notify}
}

// ExtendResult reports a successful renewal.
type ExtendResult struct {
	Loan       Loan
	Settlement Settlement
	// LateFee is the one-time charge bundled into the settlement when the
	// loan was overdue at extension time.
	LateFee Money
}

// Extend renews a loan by the requested number of weeks, charging
// weekly_price x weeks (plus the bundled late fee when overdue) through the
// gateway, then committing the new due date.
func (m *Machine) Extend(ctx context.Context, id LoanID, weeks int, token string) (ExtendResult, error) {
	if token == "" {
		return ExtendResult{}, &ValidationError{Reason: "idempotency token is required"}
	}

	l, err := m.store.Get(ctx, id)
	if err != nil {
		return ExtendResult{}, err
	}

	now := m.clock.Now()
	plan := Plan(l, now)

	switch plan.Blocked {
	case BlockReturned:
		return ExtendResult{}, &ValidationError{Reason: "loan already returned", Err: ErrLoanReturned}
	case BlockFinePending:
		return ExtendResult{}, &ValidationError{Reason: "fine must be settled first", Err: ErrFinePending}
	case BlockCapReached:
		return ExtendResult{}, &ValidationError{Reason: "extension cap reached", Err: ErrExtensionCapReached}
	}

	opt, ok := plan.OptionFor(weeks)
	if !ok {
		return ExtendResult{}, &ValidationError{
			Reason: fmt.Sprintf("%d weeks is not a valid extension for this loan", weeks),
		}
	}

	settlement, err := m.gateway.Settle(ctx, SettlementRequest{
		LoanID:           id,
		Kind:             SettleExtend,
		Amount:           opt.Cost.Add(plan.LateFee),
		Weeks:            weeks,
		IdempotencyToken: token,
	})
	if err != nil {
		// No partial commit: the loan is exactly as it was.
		return ExtendResult{}, err
	}

	updated, err := m.store.ApplyExtension(ctx, ExtensionCommit{
		LoanID:              id,
		ExpectedExtendCount: l.ExtendCount,
		Weeks:               weeks,
		NewDue:              opt.NewDue,
		AddedPrice:          opt.Cost,
		SettlementID:        settlement.ID,
	})
	if err != nil {
		if IsConflict(err) {
			// Another view mutated the loan first. Release the funds and
			// make the caller refetch.
			if verr := m.gateway.Void(ctx, settlement.ID); verr != nil {
				log.Printf("[Machine] void settlement %s: %v", settlement.ID, verr)
			}
		}
		return ExtendResult{}, err
	}

	m.notify.LoanMutated(Mutation{LoanID: id, Kind: MutationExtended})
	return ExtendResult{Loan: updated, Settlement: settlement, LateFee: plan.LateFee}, nil
}

// PayFineResult reports a settled fine.
type PayFineResult struct {
	Loan       Loan
	Settlement Settlement
}

// PayFine settles a levied fine at its frozen amount and clears the flag.
// The lifecycle (Ongoing vs Overdue) is re-derived from dates afterwards;
// paying a fine does not move the due date.
func (m *Machine) PayFine(ctx context.Context, id LoanID, token string) (PayFineResult, error) {
	if token == "" {
		return PayFineResult{}, &ValidationError{Reason: "idempotency token is required"}
	}

	l, err := m.store.Get(ctx, id)
	if err != nil {
		return PayFineResult{}, err
	}
	if l.Returned {
		return PayFineResult{}, &ValidationError{Reason: "loan already returned", Err: ErrLoanReturned}
	}
	if !l.Fine {
		return PayFineResult{}, &ValidationError{Reason: "no fine to settle", Err: ErrNoFine}
	}

	settlement, err := m.gateway.Settle(ctx, SettlementRequest{
		LoanID:           id,
		Kind:             SettleFine,
		Amount:           l.FineAmount,
		IdempotencyToken: token,
	})
	if err != nil {
		return PayFineResult{}, err
	}

	updated, err := m.store.SettleFine(ctx, FineCommit{
		LoanID:       id,
		FrozenAmount: l.FineAmount,
		SettlementID: settlement.ID,
	})
	if err != nil {
		if IsConflict(err) {
			if verr := m.gateway.Void(ctx, settlement.ID); verr != nil {
				log.Printf("[Machine] void settlement %s: %v", settlement.ID, verr)
			}
		}
		return PayFineResult{}, err
	}

	m.notify.LoanMutated(Mutation{LoanID: id, Kind: MutationFineSettled})
	return PayFineResult{Loan: updated, Settlement: settlement}, nil
}

// LevyFine formally levies the currently accrued fine on an overdue loan.
// This is the staff-side transition that turns the running estimate into a
// frozen debt; from here on the amount never tracks the clock again.
// Levying twice is a no-op.
func (m *Machine) LevyFine(ctx context.Context, id LoanID) (Loan, error) {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	if l.Returned {
		return Loan{}, &ValidationError{Reason: "loan already returned", Err: ErrLoanReturned}
	}
	if l.Fine {
		return l, nil
	}

	now := m.clock.Now()
	if Resolve(l, now) != StatusOverdue {
		return Loan{}, &ValidationError{Reason: "loan is not overdue"}
	}

	updated, err := m.store.LevyFine(ctx, id, Accrue(l.Due, now))
	if err != nil {
		return Loan{}, err
	}

	m.notify.LoanMutated(Mutation{LoanID: id, Kind: MutationFineLevied})
	return updated, nil
}

// MarkReturned closes a loan. Terminal: it overrides a pending fine (the
// fine flag and frozen amount survive on the record) and is idempotent.
// The accrued estimate at return time is frozen so the closed record never
// consults the clock again.
func (m *Machine) MarkReturned(ctx context.Context, id LoanID) (Loan, error) {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	if l.Returned {
		return l, nil
	}

	now := m.clock.Now()
	updated, err := m.store.SetReturned(ctx, ReturnCommit{
		LoanID:     id,
		FrozenFine: AccruedFine(l, now),
		At:         now,
	})
	if err != nil {
		return Loan{}, err
	}

	m.notify.LoanMutated(Mutation{LoanID: id, Kind: MutationReturned})
	return updated, nil
}

// Recompute runs the day-boundary reconciliation over the whole store.
// Idempotent; the scheduler calls this on an interval and staff can trigger
// it on demand.
func (m *Machine) Recompute(ctx context.Context) (int, error) {
	n, err := m.store.RecomputeDerived(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.notify.LoanMutated(Mutation{Kind: MutationRecomputed})
	}
	return n, nil
}
