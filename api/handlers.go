/*
handlers.go - HTTP handlers for the loan engine

PURPOSE:
  Exposes the engine via REST. Handlers parse and validate input, delegate
  to the state machine or store, and serialize responses. Every read
  endpoint derives status/fine/options server-side through the pure
  calculators, so independently polling views always render from the same
  rules applied to the same canonical record.

ENDPOINTS:
  Borrower views:
    GET  /api/borrowers/{id}/loans     History + dashboard source
    GET  /api/loans/{id}               Detail modal source

  Intents:
    POST /api/loans                    Borrow intake
    POST /api/loans/{id}/extend        Paid renewal
    POST /api/loans/{id}/fine/pay      Settle a levied fine
    POST /api/loans/{id}/fine          Staff levies the accrued fine
    POST /api/loans/{id}/return        Staff return (terminal)

  Staff:
    GET  /api/staff/loans              Data-collection panel
    GET  /api/staff/settlements        Settlement audit
    POST /api/admin/recompute          Manual day-tick reconciliation

ERROR HANDLING:
  Engine errors map to status codes via their taxonomy:
  400 validation, 402 payment declined, 404 not found, 409 conflict,
  502 transient network failure, 500 everything else.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: routing and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/room19/loan-engine/broadcast"
	"github.com/room19/loan-engine/loan"
	"github.com/room19/loan-engine/payment"
)

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	Store   loan.Store
	Machine *loan.Machine
	Gateway *payment.Gateway
	Clock   loan.Clock
}

func NewHandler(store loan.Store, machine *loan.Machine, gateway *payment.Gateway, clock loan.Clock) *Handler {
	return &Handler{Store: store, Machine: machine, Gateway: gateway, Clock: clock}
}

// =============================================================================
// BORROWER VIEWS
// =============================================================================

// ListBorrowerLoans returns a borrower's loans, newest first, with derived
// fields. Backs both the history view and the dashboard.
func (h *Handler) ListBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrower := loan.BorrowerID(chi.URLParam(r, "id"))

	loans, err := h.Store.ListByBorrower(r.Context(), borrower)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := h.Clock.Now()
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(broadcast.Derive(l, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns one loan with derived fields.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id := loan.LoanID(chi.URLParam(r, "id"))

	l, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(broadcast.Derive(l, h.Clock.Now())))
}

// =============================================================================
// INTENTS
// =============================================================================

// CreateLoan is the borrow intake: a new loan due in one week, capped at
// three.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	price, err := loan.MoneyFromString(req.WeeklyPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid weekly_price", err)
		return
	}

	start := loan.DateOf(h.Clock.Now())
	if req.StartDate != "" {
		if start, err = loan.ParseCivilDate(req.StartDate); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date", err)
			return
		}
	}

	books := make([]loan.BookRef, len(req.Books))
	for i, b := range req.Books {
		books[i] = loan.BookRef{BookID: b.BookID, Title: b.Title}
	}

	l := loan.NewLoan(loan.LoanID(uuid.NewString()), loan.BorrowerID(req.BorrowerID), books, price, start)
	if err := h.Store.Create(r.Context(), l); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(broadcast.Derive(l, h.Clock.Now())))
}

// Extend renews a loan through the state machine.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	id := loan.LoanID(chi.URLParam(r, "id"))

	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Machine.Extend(r.Context(), id, req.Weeks, req.IdempotencyToken)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := h.Clock.Now()
	writeJSON(w, http.StatusOK, ExtendResponse{
		Loan:       toLoanDTO(broadcast.Derive(res.Loan, now)),
		Settlement: toSettlementDTO(res.Settlement, now),
		LateFee:    res.LateFee.String(),
	})
}

// PayFine settles a levied fine at its frozen amount.
func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	id := loan.LoanID(chi.URLParam(r, "id"))

	var req PayFineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Machine.PayFine(r.Context(), id, req.IdempotencyToken)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := h.Clock.Now()
	writeJSON(w, http.StatusOK, PayFineResponse{
		Loan:       toLoanDTO(broadcast.Derive(res.Loan, now)),
		Settlement: toSettlementDTO(res.Settlement, now),
	})
}

// LevyFine formally levies the accrued fine. Staff only.
func (h *Handler) LevyFine(w http.ResponseWriter, r *http.Request) {
	id := loan.LoanID(chi.URLParam(r, "id"))

	l, err := h.Machine.LevyFine(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(broadcast.Derive(l, h.Clock.Now())))
}

// Return closes a loan. Terminal and idempotent.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	id := loan.LoanID(chi.URLParam(r, "id"))

	l, err := h.Machine.MarkReturned(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(broadcast.Derive(l, h.Clock.Now())))
}

// =============================================================================
// STAFF / ADMIN
// =============================================================================

// ListAllLoans backs the staff data-collection panel.
func (h *Handler) ListAllLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Store.ListAll(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := h.Clock.Now()
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(broadcast.Derive(l, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSettlements returns the gateway audit trail, oldest first.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	now := h.Clock.Now()
	settlements := h.Gateway.List()
	dtos := make([]SettlementDTO, len(settlements))
	for i, s := range settlements {
		dtos[i] = toSettlementDTO(s, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Recompute triggers the day-tick reconciliation on demand.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	n, err := h.Machine.Recompute(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecomputeResponse{Reconciled: n})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case loan.IsNotFound(err):
		writeError(w, http.StatusNotFound, "loan not found", nil)
	case loan.IsConflict(err):
		writeError(w, http.StatusConflict, "loan mutated concurrently; refetch and recompute options", err)
	case errors.Is(err, loan.ErrPaymentDeclined):
		writeError(w, http.StatusPaymentRequired, "payment declined", err)
	case loan.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, loan.ErrNetwork):
		writeError(w, http.StatusBadGateway, "transient failure, try again", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
