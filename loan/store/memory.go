// Package store provides loan.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/room19/loan-engine/loan"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory loan.Store. The mutex makes every commit atomic,
// so the compare-and-commit semantics match the SQLite store exactly.
type Memory struct {
	mu    sync.RWMutex
	loans map[loan.LoanID]loan.Loan
}

func NewMemory() *Memory {
	return &Memory{loans: make(map[loan.LoanID]loan.Loan)}
}

func (m *Memory) Create(_ context.Context, l loan.Loan) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[l.ID]; ok {
		return &loan.ValidationError{Reason: "loan id already exists"}
	}
	m.loans[l.ID] = l
	return nil
}

// Seed inserts a record without validation. For tests that need
// out-of-invariant rows (e.g. legacy data for RecomputeDerived).
func (m *Memory) Seed(l loan.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[l.ID] = l
}

func (m *Memory) Get(_ context.Context, id loan.LoanID) (loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[id]
	if !ok {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	return l, nil
}

func (m *Memory) ListByBorrower(_ context.Context, borrower loan.BorrowerID) ([]loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loan.Loan
	for _, l := range m.loans {
		if l.BorrowerID == borrower {
			out = append(out, l)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) ListAll(_ context.Context) ([]loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loan.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		out = append(out, l)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) ApplyExtension(_ context.Context, c loan.ExtensionCommit) (loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[c.LoanID]
	if !ok {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	// Replayed commit from a client retry: already applied, nothing to do.
	if c.SettlementID != "" && l.LastSettlementID == c.SettlementID {
		return l, nil
	}
	// The commit is conditioned on the state read at decision time. Any
	// intervening mutation (extension, levy, return) fails the commit.
	switch {
	case l.Returned:
		return loan.Loan{}, &loan.ConflictError{LoanID: c.LoanID, Reason: "loan was returned"}
	case l.Fine:
		return loan.Loan{}, &loan.ConflictError{LoanID: c.LoanID, Reason: "a fine was levied"}
	case l.ExtendCount != c.ExpectedExtendCount:
		return loan.Loan{}, &loan.ConflictError{
			LoanID:   c.LoanID,
			Expected: c.ExpectedExtendCount,
			Actual:   l.ExtendCount,
		}
	}
	if c.NewDue.After(l.MaxDue) {
		return loan.Loan{}, &loan.ValidationError{Reason: "new due date past the extension cap"}
	}

	l.Due = c.NewDue
	l.ExtendCount++
	l.Price = l.Price.Add(c.AddedPrice)
	l.LastSettlementID = c.SettlementID
	m.loans[l.ID] = l
	return l, nil
}

func (m *Memory) LevyFine(_ context.Context, id loan.LoanID, amount loan.Money) (loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[id]
	if !ok {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	if l.Returned {
		return loan.Loan{}, &loan.ValidationError{Reason: "loan already returned", Err: loan.ErrLoanReturned}
	}
	if l.Fine {
		return l, nil
	}

	l.Fine = true
	l.FineAmount = amount
	m.loans[id] = l
	return l, nil
}

func (m *Memory) SettleFine(_ context.Context, c loan.FineCommit) (loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[c.LoanID]
	if !ok {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	if c.SettlementID != "" && l.LastSettlementID == c.SettlementID {
		return l, nil
	}
	if l.Returned {
		return loan.Loan{}, &loan.ConflictError{LoanID: c.LoanID, Reason: "loan was returned"}
	}
	if !l.Fine {
		return loan.Loan{}, &loan.ConflictError{LoanID: c.LoanID, Reason: "no fine pending to settle"}
	}

	l.Fine = false
	l.FineAmount = c.FrozenAmount
	l.LastSettlementID = c.SettlementID
	m.loans[c.LoanID] = l
	return l, nil
}

func (m *Memory) SetReturned(_ context.Context, c loan.ReturnCommit) (loan.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loans[c.LoanID]
	if !ok {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	if l.Returned {
		return l, nil
	}

	l.Returned = true
	at := c.At
	l.ReturnedAt = &at
	if !l.Fine {
		// Freeze the running estimate; a levied fine is already frozen.
		l.FineAmount = c.FrozenFine
	}
	m.loans[c.LoanID] = l
	return l, nil
}

func (m *Memory) RecomputeDerived(_ context.Context, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for id, l := range m.loans {
		if l.Returned {
			continue
		}
		if l.Due.After(l.MaxDue) {
			l.Due = l.MaxDue
			m.loans[id] = l
			changed++
		}
	}
	return changed, nil
}

var _ loan.Store = (*Memory)(nil)

func sortNewestFirst(loans []loan.Loan) {
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].CreatedAt.Equal(loans[j].CreatedAt) {
			return loans[i].CreatedAt.After(loans[j].CreatedAt)
		}
		return loans[i].ID > loans[j].ID
	})
}
