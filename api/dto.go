package api

import (
	"time"

	"github.com/room19/loan-engine/broadcast"
	"github.com/room19/loan-engine/loan"
	"github.com/room19/loan-engine/payment"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateLoanRequest struct {
	BorrowerID  string        `json:"borrower_id"`
	Books       []BookRefDTO  `json:"books"`
	WeeklyPrice string        `json:"weekly_price"`
	StartDate   string        `json:"start_date,omitempty"` // defaults to today
}

type BookRefDTO struct {
	BookID string `json:"book_id"`
	Title  string `json:"title"`
}

type ExtendRequest struct {
	Weeks            int    `json:"weeks"`
	IdempotencyToken string `json:"idempotency_token"`
}

type PayFineRequest struct {
	IdempotencyToken string `json:"idempotency_token"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// LoanDTO carries the canonical record plus the server-derived fields every
// view needs: effective status, late days, accrued fine, renewal options.
type LoanDTO struct {
	ID          string       `json:"id"`
	BorrowerID  string       `json:"borrower_id"`
	Books       []BookRefDTO `json:"books"`
	Copies      int          `json:"copies"`
	StartDate   string       `json:"start_date"`
	DueDate     string       `json:"due_date"`
	MaxDueDate  string       `json:"max_due_date"`
	Status      string       `json:"status"`
	Fine        bool         `json:"fine"`
	FineAmount  string       `json:"fine_amount"`
	DaysLate    int          `json:"days_late"`
	AccruedFine string       `json:"accrued_fine"`
	ExtendCount int          `json:"extend_count"`
	WeeklyPrice string       `json:"weekly_price"`
	Price       string       `json:"price"`
	ReturnedAt  string       `json:"returned_at,omitempty"`

	Options       []ExtensionOptionDTO `json:"extension_options"`
	BlockedReason string               `json:"blocked_reason,omitempty"`
	BundledFee    string               `json:"bundled_late_fee,omitempty"`
}

type ExtensionOptionDTO struct {
	Weeks  int    `json:"weeks"`
	NewDue string `json:"new_due"`
	Cost   string `json:"cost"`
}

type ExtendResponse struct {
	Loan       LoanDTO       `json:"loan"`
	Settlement SettlementDTO `json:"settlement"`
	LateFee    string        `json:"bundled_late_fee"`
}

type PayFineResponse struct {
	Loan       LoanDTO       `json:"loan"`
	Settlement SettlementDTO `json:"settlement"`
}

type SettlementDTO struct {
	ID        string `json:"id"`
	LoanID    string `json:"loan_id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Weeks     int    `json:"weeks,omitempty"`
	Token     string `json:"idempotency_token"`
	SettledAt string `json:"settled_at"`
	Voided    bool   `json:"voided,omitempty"`
	Recent    bool   `json:"recent"`
}

type RecomputeResponse struct {
	Reconciled int `json:"reconciled"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLoanDTO(snap broadcast.Snapshot) LoanDTO {
	l := snap.Loan

	books := make([]BookRefDTO, len(l.Books))
	for i, b := range l.Books {
		books[i] = BookRefDTO{BookID: b.BookID, Title: b.Title}
	}

	dto := LoanDTO{
		ID:          string(l.ID),
		BorrowerID:  string(l.BorrowerID),
		Books:       books,
		Copies:      l.Copies,
		StartDate:   l.Start.String(),
		DueDate:     l.Due.String(),
		MaxDueDate:  l.MaxDue.String(),
		Status:      string(snap.Status),
		Fine:        l.Fine,
		FineAmount:  l.FineAmount.String(),
		DaysLate:    snap.DaysLate,
		AccruedFine: snap.AccruedFine.String(),
		ExtendCount: l.ExtendCount,
		WeeklyPrice: l.WeeklyPrice.String(),
		Price:       l.Price.String(),
	}
	if l.ReturnedAt != nil {
		dto.ReturnedAt = l.ReturnedAt.UTC().Format(time.RFC3339)
	}

	dto.Options = make([]ExtensionOptionDTO, len(snap.Plan.Options))
	for i, o := range snap.Plan.Options {
		dto.Options[i] = ExtensionOptionDTO{
			Weeks:  o.Weeks,
			NewDue: o.NewDue.String(),
			Cost:   o.Cost.String(),
		}
	}
	dto.BlockedReason = string(snap.Plan.Blocked)
	if snap.Plan.LateFee.IsPositive() {
		dto.BundledFee = snap.Plan.LateFee.String()
	}
	return dto
}

func toSettlementDTO(s loan.Settlement, now time.Time) SettlementDTO {
	return SettlementDTO{
		ID:        s.ID,
		LoanID:    string(s.LoanID),
		Kind:      string(s.Kind),
		Amount:    s.Amount.String(),
		Weeks:     s.Weeks,
		Token:     s.Token,
		SettledAt: s.SettledAt.UTC().Format(time.RFC3339),
		Voided:    s.Voided,
		Recent:    payment.SettledWithin(s, now, time.Hour),
	}
}
