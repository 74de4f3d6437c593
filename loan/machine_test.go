package loan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room19/loan-engine/loan"
	memstore "github.com/room19/loan-engine/loan/store"
	"github.com/room19/loan-engine/payment"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type machineFixture struct {
	store   *memstore.Memory
	gateway *payment.Gateway
	clock   loan.FixedClock
	machine *loan.Machine
	signals *signalRecorder
}

type signalRecorder struct {
	mu   sync.Mutex
	seen []loan.Mutation
}

func (r *signalRecorder) LoanMutated(m loan.Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m)
}

func (r *signalRecorder) kinds() []loan.MutationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]loan.MutationKind, len(r.seen))
	for i, m := range r.seen {
		out[i] = m.Kind
	}
	return out
}

func newFixture(now time.Time) *machineFixture {
	clock := loan.FixedClock{At: now}
	st := memstore.NewMemory()
	gw := payment.New(clock)
	rec := &signalRecorder{}
	return &machineFixture{
		store:   st,
		gateway: gw,
		clock:   clock,
		machine: loan.NewMachine(st, gw, clock, rec),
		signals: rec,
	}
}

func (f *machineFixture) mustCreate(t *testing.T, l loan.Loan) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), l))
}

func wib(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, loan.WIB)
}

// =============================================================================
// EXTEND
// =============================================================================

func TestExtend_HappyPath(t *testing.T) {
	// GIVEN: An ongoing loan due 2025-06-08
	// WHEN: The borrower buys a 2-week extension
	// THEN: Due moves to 2025-06-22, extend_count increments, the
	//       settlement charges weekly_price x 2, and a signal is emitted

	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	res, err := f.machine.Extend(ctx, "l1", 2, "tok-1")
	require.NoError(t, err)

	assert.True(t, res.Loan.Due.Equal(date(2025, time.June, 22)))
	assert.Equal(t, 1, res.Loan.ExtendCount)
	assert.True(t, res.Settlement.Amount.Equal(rp(20000)))
	assert.True(t, res.LateFee.IsZero())
	assert.Equal(t, []loan.MutationKind{loan.MutationExtended}, f.signals.kinds())
}

func TestExtend_OverdueBundlesLateFee(t *testing.T) {
	// GIVEN: A loan 3 days overdue, never fined
	// WHEN: Extending by 1 week
	// THEN: The single settlement charges 10000 + 15000 late fee, one-time

	f := newFixture(wib(2025, time.June, 11, 10)) // due 06-08, 3 days late
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))

	res, err := f.machine.Extend(context.Background(), "l1", 1, "tok-1")
	require.NoError(t, err)

	assert.True(t, res.LateFee.Equal(rp(15000)))
	assert.True(t, res.Settlement.Amount.Equal(rp(25000)))
	// The bundled fee is a one-time charge, not a levied fine.
	assert.False(t, res.Loan.Fine)
}

func TestExtend_FinePending_Rejected(t *testing.T) {
	// GIVEN: A loan with a levied, unsettled fine
	// WHEN: Any extension is attempted
	// THEN: Rejected with a validation error before the gateway is touched

	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))

	_, err := f.machine.LevyFine(context.Background(), "l1")
	require.NoError(t, err)

	_, err = f.machine.Extend(context.Background(), "l1", 1, "tok-1")
	require.Error(t, err)

	var ve *loan.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "fine must be settled first", ve.Error())
	assert.ErrorIs(t, err, loan.ErrFinePending)
	assert.Empty(t, f.gateway.List(), "gateway must not be contacted")
}

func TestExtend_CapReached_Rejected(t *testing.T) {
	f := newFixture(wib(2025, time.June, 2, 10))
	l := openLoan("l1", date(2025, time.June, 1))
	l.Due = l.MaxDue
	f.store.Seed(l)

	_, err := f.machine.Extend(context.Background(), "l1", 1, "tok-1")
	assert.ErrorIs(t, err, loan.ErrExtensionCapReached)
}

func TestExtend_InvalidWeeks_Rejected(t *testing.T) {
	// 3 weeks would land past the cap; only shorter options are offered.

	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1))) // due +7, cap +21

	_, err := f.machine.Extend(context.Background(), "l1", 3, "tok-1")
	var ve *loan.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestExtend_GatewayDecline_NoStateChange(t *testing.T) {
	// GIVEN: A gateway that declines everything
	// WHEN: An extension is attempted
	// THEN: PaymentError surfaces, the loan is byte-for-byte unchanged,
	//       and the same request is retryable once the gateway recovers

	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	f.gateway.DeclineFunc = func(loan.SettlementRequest) string { return "insufficient funds" }
	ctx := context.Background()

	before, err := f.store.Get(ctx, "l1")
	require.NoError(t, err)

	_, err = f.machine.Extend(ctx, "l1", 1, "tok-1")
	require.ErrorIs(t, err, loan.ErrPaymentDeclined)
	assert.True(t, loan.IsRetryable(err))

	after, err := f.store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.signals.kinds())

	// Gateway recovers; the retry with the same token succeeds.
	f.gateway.DeclineFunc = nil
	_, err = f.machine.Extend(ctx, "l1", 1, "tok-1")
	assert.NoError(t, err)
}

func TestExtend_RetryWithSameToken_SettlesOnce(t *testing.T) {
	// A client retry replays the idempotency token; the gateway returns the
	// original settlement instead of charging twice.

	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	first, err := f.machine.Extend(ctx, "l1", 1, "tok-1")
	require.NoError(t, err)

	// The client never saw the response and replays the request verbatim.
	// The gateway maps the token to the original settlement; the store sees
	// an already-applied settlement id and changes nothing.
	retry, err := f.machine.Extend(ctx, "l1", 1, "tok-1")
	require.NoError(t, err)

	assert.Equal(t, first.Settlement.ID, retry.Settlement.ID)
	assert.Equal(t, 1, retry.Loan.ExtendCount, "retry must not extend twice")
	assert.True(t, retry.Loan.Due.Equal(first.Loan.Due))
	require.Len(t, f.gateway.List(), 1, "exactly one charge")
}

// =============================================================================
// CONCURRENT COMMITS (the Scenario the engine exists for)
// =============================================================================

func TestApplyExtension_ConcurrentCommits_ExactlyOneWins(t *testing.T) {
	// GIVEN: Two views that both read extend_count=0 and both settled
	// WHEN: Both commit the +1-week extension concurrently
	// THEN: Exactly one commit applies; the other gets ConflictError; the
	//       final due date reflects exactly one application

	f := newFixture(wib(2025, time.June, 2, 10))
	start := date(2025, time.June, 1)
	f.mustCreate(t, openLoan("l1", start))
	ctx := context.Background()

	newDue := start.AddDays(loan.LoanPeriodDays).AddWeeks(1)
	commit := func(settlementID string) error {
		_, err := f.store.ApplyExtension(ctx, loan.ExtensionCommit{
			LoanID:              "l1",
			ExpectedExtendCount: 0,
			Weeks:               1,
			NewDue:              newDue,
			AddedPrice:          rp(10000),
			SettlementID:        settlementID,
		})
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = commit(payment.NewToken())
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case loan.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	final, err := f.store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 1, final.ExtendCount)
	assert.True(t, final.Due.Equal(newDue), "due must reflect exactly one +7d application")
}

// interleavingStore injects a mutation between the machine's decision-time
// read and its commit, which is exactly the window concurrent views race in.
type interleavingStore struct {
	*memstore.Memory
	beforeExtend func()
	beforeSettle func()
}

func (s *interleavingStore) ApplyExtension(ctx context.Context, c loan.ExtensionCommit) (loan.Loan, error) {
	if s.beforeExtend != nil {
		s.beforeExtend()
	}
	return s.Memory.ApplyExtension(ctx, c)
}

func (s *interleavingStore) SettleFine(ctx context.Context, c loan.FineCommit) (loan.Loan, error) {
	if s.beforeSettle != nil {
		s.beforeSettle()
	}
	return s.Memory.SettleFine(ctx, c)
}

func TestExtend_CommitConflict_VoidsSettlement(t *testing.T) {
	// GIVEN: A fine lands between the machine's read and its commit
	// WHEN: The extension commit loses the race
	// THEN: ConflictError surfaces, the loser's settlement is voided so the
	//       funds are released, the loan is unextended, and no signal fires

	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	wrapped := &interleavingStore{Memory: f.store}
	wrapped.beforeExtend = func() {
		wrapped.beforeExtend = nil
		_, err := f.store.LevyFine(ctx, "l1", rp(5000))
		require.NoError(t, err)
	}
	machine := loan.NewMachine(wrapped, f.gateway, f.clock, f.signals)

	_, err := machine.Extend(ctx, "l1", 1, "tok-1")
	require.Error(t, err)
	assert.True(t, loan.IsConflict(err), "got %v", err)
	assert.Contains(t, err.Error(), "a fine was levied")

	settlements := f.gateway.List()
	require.Len(t, settlements, 1, "the charge was settled before the commit")
	assert.True(t, settlements[0].Voided, "the losing settlement must be voided")

	final, err := f.store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 0, final.ExtendCount)
	assert.True(t, final.Due.Equal(date(2025, time.June, 8)))
	assert.NotContains(t, f.signals.kinds(), loan.MutationExtended,
		"no signal for a commit that never applied")
}

func TestPayFine_CommitConflict_VoidsSettlement(t *testing.T) {
	// GIVEN: Staff returns the loan between the fine payment's read and its
	//        commit
	// WHEN: The settle-fine commit loses the race
	// THEN: ConflictError surfaces and the payment is voided

	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	_, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)

	wrapped := &interleavingStore{Memory: f.store}
	wrapped.beforeSettle = func() {
		wrapped.beforeSettle = nil
		_, err := f.store.SetReturned(ctx, loan.ReturnCommit{
			LoanID: "l1", FrozenFine: rp(20000), At: f.clock.Now(),
		})
		require.NoError(t, err)
	}
	machine := loan.NewMachine(wrapped, f.gateway, f.clock, f.signals)

	_, err = machine.PayFine(ctx, "l1", "tok-fine")
	require.Error(t, err)
	assert.True(t, loan.IsConflict(err), "got %v", err)

	settlements := f.gateway.List()
	require.Len(t, settlements, 1)
	assert.True(t, settlements[0].Voided)

	final, err := f.store.Get(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, final.Fine, "the pending fine survives on the closed record")
	assert.NotContains(t, f.signals.kinds(), loan.MutationFineSettled)
}

// =============================================================================
// FINES
// =============================================================================

func TestLevyFine_FreezesAccruedAmount(t *testing.T) {
	// GIVEN: A loan 4 days overdue (accrued 20000)
	// WHEN: Staff levies the fine, then the clock advances
	// THEN: The fine is 20000, frozen; extend is blocked until settled

	f := newFixture(wib(2025, time.June, 12, 10)) // due 06-08, 4 days late
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	l, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, l.Fine)
	assert.True(t, l.FineAmount.Equal(rp(20000)))

	wayLater := wib(2025, time.July, 12, 10)
	assert.True(t, loan.AccruedFine(l, wayLater).Equal(rp(20000)))
}

func TestLevyFine_NotOverdue_Rejected(t *testing.T) {
	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))

	_, err := f.machine.LevyFine(context.Background(), "l1")
	var ve *loan.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestLevyFine_Twice_NoOp(t *testing.T) {
	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	first, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)
	second, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, first.FineAmount, second.FineAmount)
	assert.Equal(t, []loan.MutationKind{loan.MutationFineLevied}, f.signals.kinds())
}

func TestPayFine_ClearsFlagKeepsFrozenAmount(t *testing.T) {
	// GIVEN: A levied fine of 20000
	// WHEN: The borrower pays it
	// THEN: fine=false, fine_amount stays frozen at 20000, lifecycle
	//       re-derives from dates (still overdue - paying does not move due)

	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	_, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)

	res, err := f.machine.PayFine(ctx, "l1", "tok-fine")
	require.NoError(t, err)

	assert.False(t, res.Loan.Fine)
	assert.True(t, res.Loan.FineAmount.Equal(rp(20000)))
	assert.True(t, res.Settlement.Amount.Equal(rp(20000)))
	assert.Equal(t, loan.StatusOverdue, loan.Resolve(res.Loan, f.clock.Now()))
}

func TestPayFine_NoFine_Rejected(t *testing.T) {
	f := newFixture(wib(2025, time.June, 2, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))

	_, err := f.machine.PayFine(context.Background(), "l1", "tok-1")
	assert.ErrorIs(t, err, loan.ErrNoFine)
}

func TestPayFine_ThenExtend_Allowed(t *testing.T) {
	// Settling the fine unblocks renewal.

	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	_, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)
	_, err = f.machine.PayFine(ctx, "l1", "tok-fine")
	require.NoError(t, err)

	res, err := f.machine.Extend(ctx, "l1", 1, "tok-ext")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loan.ExtendCount)
}

// =============================================================================
// RETURN (terminal)
// =============================================================================

func TestMarkReturned_WithPendingFine_FreezesEverything(t *testing.T) {
	// GIVEN: A loan with a levied fine of 20000
	// WHEN: Staff marks it returned (terminal overrides the fine guard)
	// THEN: The record closes with fine flag and frozen amount intact, and
	//       the amount never grows however far the clock advances

	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	_, err := f.machine.LevyFine(ctx, "l1")
	require.NoError(t, err)

	l, err := f.machine.MarkReturned(ctx, "l1")
	require.NoError(t, err)

	assert.True(t, l.Returned)
	assert.True(t, l.Fine, "return leaves the fine flag unchanged")
	assert.True(t, l.FineAmount.Equal(rp(20000)))

	nextYear := wib(2026, time.June, 12, 10)
	assert.True(t, loan.AccruedFine(l, nextYear).Equal(rp(20000)))
	assert.Equal(t, loan.StatusReturned, loan.Resolve(l, nextYear))
}

func TestMarkReturned_OverdueUnfined_FreezesEstimate(t *testing.T) {
	// A late return without a formal levy still freezes the estimate so
	// the closed record never consults the clock.

	f := newFixture(wib(2025, time.June, 11, 10)) // 3 days late
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))

	l, err := f.machine.MarkReturned(context.Background(), "l1")
	require.NoError(t, err)

	assert.False(t, l.Fine)
	assert.True(t, l.FineAmount.Equal(rp(15000)))
	assert.True(t, loan.AccruedFine(l, wib(2025, time.December, 1, 10)).Equal(rp(15000)))
}

func TestMarkReturned_Idempotent(t *testing.T) {
	f := newFixture(wib(2025, time.June, 11, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	first, err := f.machine.MarkReturned(ctx, "l1")
	require.NoError(t, err)

	// Clock jumps; the second call must not re-freeze a larger estimate.
	f.machine = loan.NewMachine(f.store, f.gateway, loan.FixedClock{At: wib(2025, time.June, 20, 10)}, f.signals)
	second, err := f.machine.MarkReturned(ctx, "l1")
	require.NoError(t, err)

	assert.Equal(t, first.FineAmount, second.FineAmount)
	assert.Equal(t, []loan.MutationKind{loan.MutationReturned}, f.signals.kinds(),
		"no signal for the no-op repeat")
}

func TestReturned_RefusesFurtherTransitions(t *testing.T) {
	f := newFixture(wib(2025, time.June, 12, 10))
	f.mustCreate(t, openLoan("l1", date(2025, time.June, 1)))
	ctx := context.Background()

	_, err := f.machine.MarkReturned(ctx, "l1")
	require.NoError(t, err)

	_, err = f.machine.Extend(ctx, "l1", 1, "tok-1")
	assert.ErrorIs(t, err, loan.ErrLoanReturned)

	_, err = f.machine.PayFine(ctx, "l1", "tok-2")
	assert.ErrorIs(t, err, loan.ErrLoanReturned)

	_, err = f.machine.LevyFine(ctx, "l1")
	assert.ErrorIs(t, err, loan.ErrLoanReturned)
}

// =============================================================================
// RECOMPUTE (idempotent day tick)
// =============================================================================

func TestRecompute_Idempotent(t *testing.T) {
	// GIVEN: A legacy record whose due date drifted past its cap
	// WHEN: Recompute runs twice with no elapsed time
	// THEN: The first pass reconciles it, the second changes nothing, and
	//       the resolved status is identical both times

	f := newFixture(wib(2025, time.June, 2, 10))
	l := openLoan("l1", date(2025, time.May, 1))
	l.Due = l.MaxDue.AddDays(3) // out-of-invariant legacy row
	f.store.Seed(l)
	ctx := context.Background()

	n1, err := f.machine.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	after1, _ := f.store.Get(ctx, "l1")
	status1 := loan.Resolve(after1, f.clock.Now())

	n2, err := f.machine.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)

	after2, _ := f.store.Get(ctx, "l1")
	assert.Equal(t, status1, loan.Resolve(after2, f.clock.Now()))
	assert.Equal(t, after1, after2)
}
