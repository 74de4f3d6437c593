package loan

import (
	"context"
	"time"
)

// SettlementKind says what a settlement pays for.
type SettlementKind string

const (
	SettleExtend SettlementKind = "extend"
	SettleFine   SettlementKind = "fine"
)

// SettlementRequest initiates a payment. Every initiation carries a unique
// caller-generated idempotency token so a retried request cannot settle
// twice: replaying a token returns the original settlement unchanged.
type SettlementRequest struct {
	LoanID           LoanID
	Kind             SettlementKind
	Amount           Money
	Weeks            int // extensions only
	IdempotencyToken string
}

// Settlement is a confirmed gateway transaction authorizing a transition.
type Settlement struct {
	ID        string
	LoanID    LoanID
	Kind      SettlementKind
	Amount    Money
	Weeks     int
	Token     string
	SettledAt time.Time
	Voided    bool
}

// PaymentGateway settles extension and fine payments. A declined settlement
// leaves every loan untouched and is safely retryable.
type PaymentGateway interface {
	// Settle confirms a payment or returns a PaymentError. Replaying an
	// idempotency token with the same request returns the prior settlement.
	Settle(ctx context.Context, req SettlementRequest) (Settlement, error)

	// Void releases a settlement whose commit lost a concurrency race.
	// Best effort; voiding an unknown settlement is not an error.
	Void(ctx context.Context, settlementID string) error
}
