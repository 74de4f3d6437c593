/*
Package payment provides the in-process PaymentGateway.

PURPOSE:
  Settles extension and fine payments for the loan engine. This is a
  simulated processor: it keeps the settlement ledger in memory and applies
  the same idempotency contract a real gateway would, so the state machine's
  failure semantics can be exercised end to end.

IDEMPOTENCY:
  Every settlement request carries a caller-generated token. Replaying a
  token with an identical request returns the original settlement - a client
  retry can never double-charge. Reusing a token for a *different* request
  is rejected outright.

DECLINES:
  DeclineFunc lets callers (and tests) inject decline decisions. A decline
  settles nothing and mutates nothing; the same request is safely retryable.
*/
package payment

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/room19/loan-engine/loan"
)

// Gateway implements loan.PaymentGateway in memory.
type Gateway struct {
	// DeclineFunc, when set, is consulted before settling. Returning a
	// non-empty reason declines the payment.
	DeclineFunc func(req loan.SettlementRequest) (reason string)

	mu      sync.Mutex
	byToken map[string]loan.Settlement
	byID    map[string]*loan.Settlement
	order   []string // settlement ids, oldest first
	clock   loan.Clock
}

func New(clock loan.Clock) *Gateway {
	if clock == nil {
		clock = loan.SystemClock{}
	}
	return &Gateway{
		byToken: make(map[string]loan.Settlement),
		byID:    make(map[string]*loan.Settlement),
		clock:   clock,
	}
}

// Settle confirms a payment. See the package comment for the idempotency
// and decline contracts.
func (g *Gateway) Settle(ctx context.Context, req loan.SettlementRequest) (loan.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return loan.Settlement{}, &loan.NetworkError{Op: "settle payment", Err: err}
	}
	if req.IdempotencyToken == "" {
		return loan.Settlement{}, &loan.ValidationError{Reason: "idempotency token is required"}
	}
	if !req.Amount.IsPositive() && !req.Amount.IsZero() {
		return loan.Settlement{}, &loan.ValidationError{Reason: "settlement amount must not be negative"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.byToken[req.IdempotencyToken]; ok {
		if prior.LoanID == req.LoanID && prior.Kind == req.Kind && prior.Amount.Equal(req.Amount) {
			// Client retry of an already-settled request.
			return prior, nil
		}
		return loan.Settlement{}, &loan.ValidationError{
			Reason: "idempotency token already used",
			Err:    loan.ErrDuplicateSettlement,
		}
	}

	if g.DeclineFunc != nil {
		if reason := g.DeclineFunc(req); reason != "" {
			return loan.Settlement{}, &loan.PaymentError{
				LoanID: req.LoanID,
				Kind:   req.Kind,
				Reason: reason,
			}
		}
	}

	s := loan.Settlement{
		ID:        uuid.NewString(),
		LoanID:    req.LoanID,
		Kind:      req.Kind,
		Amount:    req.Amount,
		Weeks:     req.Weeks,
		Token:     req.IdempotencyToken,
		SettledAt: g.clock.Now(),
	}
	g.byToken[req.IdempotencyToken] = s
	stored := s
	g.byID[s.ID] = &stored
	g.order = append(g.order, s.ID)

	log.Printf("[Gateway] settled %s for loan %s: %s", s.Kind, s.LoanID, s.Amount)
	return s, nil
}

// Void releases a settlement whose commit lost a concurrency race.
// Voiding an unknown or already-voided settlement is a no-op.
func (g *Gateway) Void(_ context.Context, settlementID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.byID[settlementID]; ok && !s.Voided {
		s.Voided = true
		log.Printf("[Gateway] voided settlement %s (loan %s)", s.ID, s.LoanID)
	}
	return nil
}

// List returns every settlement, oldest first. Staff audit view.
func (g *Gateway) List() []loan.Settlement {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]loan.Settlement, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.byID[id])
	}
	return out
}

// ListByLoan returns a loan's settlements, oldest first.
func (g *Gateway) ListByLoan(id loan.LoanID) []loan.Settlement {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []loan.Settlement
	for _, sid := range g.order {
		if s := g.byID[sid]; s.LoanID == id {
			out = append(out, *s)
		}
	}
	return out
}

var _ loan.PaymentGateway = (*Gateway)(nil)

// NewToken generates a fresh idempotency token for callers that do not
// bring their own.
func NewToken() string { return uuid.NewString() }

// SettledWithin reports whether a settlement happened in the trailing
// window. Used by the staff panel to highlight fresh activity.
func SettledWithin(s loan.Settlement, now time.Time, window time.Duration) bool {
	return now.Sub(s.SettledAt) <= window
}
