/*
Package sqlite provides the SQLite-backed loan.Store.

PURPOSE:
  Production persistence for the loan engine. The same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

COMPARE-AND-COMMIT:
  Racing mutations (extension, fine settlement) are applied as conditional
  UPDATEs keyed by loan id:

    UPDATE loans SET ... WHERE id = ? AND extend_count = ? AND fine = 0 ...

  Zero rows affected means another view committed first; the caller gets a
  ConflictError and must refetch. This is the serialization point for
  concurrent views - the database decides exactly one winner.

DERIVED STATUS:
  The status column only ever holds 'ongoing' or 'returned'. "Overdue" is
  always derived from dates at read time, never persisted. Rows imported
  from the legacy system may still carry 'overdue'; RecomputeDerived folds
  them back to 'ongoing' (the migration path for stores that used to
  persist it).

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time.

SEE ALSO:
  - loan/store.go: interface contract
  - loan/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/room19/loan-engine/loan"
)

// Store implements loan.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at path. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A ":memory:" database exists per connection; cap the pool so every
	// query sees the same schema.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower_id TEXT NOT NULL,
		books_json TEXT NOT NULL,
		copies INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		max_due_date TEXT NOT NULL,
		-- 'ongoing' | 'returned'; legacy imports may carry 'overdue',
		-- folded back by RecomputeDerived
		status TEXT NOT NULL DEFAULT 'ongoing',
		fine INTEGER NOT NULL DEFAULT 0,
		fine_amount TEXT NOT NULL DEFAULT '0',
		extend_count INTEGER NOT NULL DEFAULT 0,
		weekly_price TEXT NOT NULL,
		price TEXT NOT NULL,
		created_at TEXT NOT NULL,
		returned_at TEXT,
		last_settlement_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_loans_borrower
		ON loans(borrower_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_loans_status
		ON loans(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

const loanColumns = `id, borrower_id, books_json, copies, start_date, due_date,
	max_due_date, status, fine, fine_amount, extend_count, weekly_price, price,
	created_at, returned_at, last_settlement_id`

func (s *Store) Get(ctx context.Context, id loan.LoanID) (loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *Store) ListByBorrower(ctx context.Context, borrower loan.BorrowerID) ([]loan.Loan, error) {
	return s.list(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE borrower_id = ? ORDER BY created_at DESC, id DESC`,
		borrower)
}

func (s *Store) ListAll(ctx context.Context) ([]loan.Loan, error) {
	return s.list(ctx,
		`SELECT `+loanColumns+` FROM loans ORDER BY created_at DESC, id DESC`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &loan.NetworkError{Op: "list loans", Err: err}
	}
	defer rows.Close()

	var out []loan.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, &loan.NetworkError{Op: "scan loan", Err: err}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) Create(ctx context.Context, l loan.Loan) error {
	if err := l.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	booksJSON, err := json.Marshal(l.Books)
	if err != nil {
		return fmt.Errorf("failed to encode book refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loans
		(id, borrower_id, books_json, copies, start_date, due_date, max_due_date,
		 status, fine, fine_amount, extend_count, weekly_price, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'ongoing', 0, '0', 0, ?, ?, ?)`,
		l.ID, l.BorrowerID, string(booksJSON), l.Copies,
		l.Start.String(), l.Due.String(), l.MaxDue.String(),
		l.WeeklyPrice.String(), l.Price.String(),
		l.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loan.ValidationError{Reason: "loan id already exists"}
		}
		return &loan.NetworkError{Op: "create loan", Err: err}
	}
	return nil
}

// ApplyExtension commits a paid renewal. The WHERE clause is the
// compare-and-commit guard: extend_count must still equal the value read at
// decision time, no fine levied, not returned, new due date under the cap.
func (s *Store) ApplyExtension(ctx context.Context, c loan.ExtensionCommit) (loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.get(ctx, c.LoanID)
	if err != nil {
		return loan.Loan{}, err
	}
	// Replayed commit from a client retry: already applied, nothing to do.
	if c.SettlementID != "" && cur.LastSettlementID == c.SettlementID {
		return cur, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET due_date = ?,
		    extend_count = extend_count + 1,
		    price = ?,
		    last_settlement_id = ?
		WHERE id = ?
		  AND status = 'ongoing'
		  AND fine = 0
		  AND extend_count = ?
		  AND ? <= max_due_date`,
		c.NewDue.String(),
		cur.Price.Add(c.AddedPrice).String(),
		c.SettlementID,
		c.LoanID, c.ExpectedExtendCount, c.NewDue.String(),
	)
	if err != nil {
		return loan.Loan{}, &loan.NetworkError{Op: "apply extension", Err: err}
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return loan.Loan{}, s.commitRejection(ctx, c.LoanID, c.ExpectedExtendCount)
	}
	return s.get(ctx, c.LoanID)
}

func (s *Store) LevyFine(ctx context.Context, id loan.LoanID, amount loan.Money) (loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.get(ctx, id)
	if err != nil {
		return loan.Loan{}, err
	}
	if cur.Returned {
		return loan.Loan{}, &loan.ValidationError{Reason: "loan already returned", Err: loan.ErrLoanReturned}
	}
	if cur.Fine {
		return cur, nil
	}

	// Rows imported with the legacy persisted 'overdue' status are folded to
	// 'ongoing' here, so a levy on a not-yet-reconciled row still lands.
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET fine = 1, fine_amount = ?, status = 'ongoing'
		WHERE id = ? AND status != 'returned' AND fine = 0`,
		amount.String(), id)
	if err != nil {
		return loan.Loan{}, &loan.NetworkError{Op: "levy fine", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loan.Loan{}, &loan.ConflictError{LoanID: id, Reason: "levy matched no open loan"}
	}
	return s.get(ctx, id)
}

// SettleFine clears a pending fine. Conditioned on the fine still pending.
func (s *Store) SettleFine(ctx context.Context, c loan.FineCommit) (loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, err := s.get(ctx, c.LoanID); err != nil {
		return loan.Loan{}, err
	} else if c.SettlementID != "" && cur.LastSettlementID == c.SettlementID {
		return cur, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET fine = 0, fine_amount = ?, last_settlement_id = ?
		WHERE id = ? AND status = 'ongoing' AND fine = 1`,
		c.FrozenAmount.String(), c.SettlementID, c.LoanID)
	if err != nil {
		return loan.Loan{}, &loan.NetworkError{Op: "settle fine", Err: err}
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		cur, gerr := s.get(ctx, c.LoanID)
		if gerr != nil {
			return loan.Loan{}, gerr
		}
		reason := "no fine pending to settle"
		if cur.Returned {
			reason = "loan was returned"
		}
		return loan.Loan{}, &loan.ConflictError{LoanID: c.LoanID, Reason: reason}
	}
	return s.get(ctx, c.LoanID)
}

// SetReturned closes a loan. Idempotent: a second call finds status already
// 'returned', matches zero rows, and simply returns the current record.
func (s *Store) SetReturned(ctx context.Context, c loan.ReturnCommit) (loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET status = 'returned',
		    returned_at = ?,
		    fine_amount = CASE WHEN fine = 0 THEN ? ELSE fine_amount END
		WHERE id = ? AND status != 'returned'`,
		c.At.UTC().Format(time.RFC3339), c.FrozenFine.String(), c.LoanID)
	if err != nil {
		return loan.Loan{}, &loan.NetworkError{Op: "set returned", Err: err}
	}
	return s.get(ctx, c.LoanID)
}

// RecomputeDerived is the day-boundary reconciliation batch. It folds any
// legacy persisted 'overdue' status back to 'ongoing' and clamps due dates
// that drifted past the cap. Running it twice in a row changes nothing.
func (s *Store) RecomputeDerived(ctx context.Context, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0

	res, err := s.db.ExecContext(ctx,
		`UPDATE loans SET status = 'ongoing' WHERE status NOT IN ('ongoing', 'returned')`)
	if err != nil {
		return 0, &loan.NetworkError{Op: "recompute status", Err: err}
	}
	n, _ := res.RowsAffected()
	total += int(n)

	res, err = s.db.ExecContext(ctx,
		`UPDATE loans SET due_date = max_due_date
		 WHERE status = 'ongoing' AND due_date > max_due_date`)
	if err != nil {
		return 0, &loan.NetworkError{Op: "recompute due dates", Err: err}
	}
	n, _ = res.RowsAffected()
	total += int(n)

	return total, nil
}

// SeedLegacyStatus writes a raw status value, bypassing the engine. Test and
// migration tooling only; production code never persists 'overdue'.
func (s *Store) SeedLegacyStatus(ctx context.Context, id loan.LoanID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE loans SET status = ? WHERE id = ?`, status, id)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) get(ctx context.Context, id loan.LoanID) (loan.Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loan.Loan{}, loan.ErrLoanNotFound
	}
	if err != nil {
		return loan.Loan{}, &loan.NetworkError{Op: "get loan", Err: err}
	}
	return l, nil
}

// commitRejection distinguishes why a conditional UPDATE matched no rows:
// missing loan, invalid target date, or a genuine concurrency loss.
func (s *Store) commitRejection(ctx context.Context, id loan.LoanID, expected int) error {
	cur, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Returned && !cur.Fine && cur.ExtendCount == expected {
		return &loan.ValidationError{Reason: "new due date past the extension cap"}
	}
	if cur.Returned {
		return &loan.ConflictError{LoanID: id, Reason: "loan was returned"}
	}
	if cur.Fine {
		return &loan.ConflictError{LoanID: id, Reason: "a fine was levied"}
	}
	return &loan.ConflictError{LoanID: id, Expected: expected, Actual: cur.ExtendCount}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(r rowScanner) (loan.Loan, error) {
	var (
		l                     loan.Loan
		booksJSON             string
		startS, dueS, maxDueS string
		status                string
		fine                  int
		fineAmountS, weeklyS  string
		priceS, createdS      string
		returnedS             sql.NullString
		settlementS           sql.NullString
	)

	err := r.Scan(&l.ID, &l.BorrowerID, &booksJSON, &l.Copies, &startS, &dueS,
		&maxDueS, &status, &fine, &fineAmountS, &l.ExtendCount, &weeklyS,
		&priceS, &createdS, &returnedS, &settlementS)
	if err != nil {
		return loan.Loan{}, err
	}

	if err := json.Unmarshal([]byte(booksJSON), &l.Books); err != nil {
		return loan.Loan{}, fmt.Errorf("corrupt book refs for loan %s: %w", l.ID, err)
	}
	if l.Start, err = loan.ParseCivilDate(startS); err != nil {
		return loan.Loan{}, err
	}
	if l.Due, err = loan.ParseCivilDate(dueS); err != nil {
		return loan.Loan{}, err
	}
	if l.MaxDue, err = loan.ParseCivilDate(maxDueS); err != nil {
		return loan.Loan{}, err
	}

	l.Returned = status == "returned"
	l.Fine = fine != 0
	if l.FineAmount, err = loan.MoneyFromString(fineAmountS); err != nil {
		return loan.Loan{}, err
	}
	if l.WeeklyPrice, err = loan.MoneyFromString(weeklyS); err != nil {
		return loan.Loan{}, err
	}
	if l.Price, err = loan.MoneyFromString(priceS); err != nil {
		return loan.Loan{}, err
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339, createdS); err != nil {
		return loan.Loan{}, err
	}
	if returnedS.Valid && returnedS.String != "" {
		at, err := time.Parse(time.RFC3339, returnedS.String)
		if err != nil {
			return loan.Loan{}, err
		}
		l.ReturnedAt = &at
	}
	l.LastSettlementID = settlementS.String
	return l, nil
}

var _ loan.Store = (*Store)(nil)

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
