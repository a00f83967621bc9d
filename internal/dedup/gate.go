package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidExpense is returned when a row fails validation before insertion.
var ErrInvalidExpense = errors.New("invalid expense")

// Outcome is the result of one insertion attempt.
type Outcome int

const (
	Inserted Outcome = iota
	Duplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Validate checks the fields the datastore relies on.
func Validate(e *domain.Expense) error {
	var problems []string
	if e.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if e.StatementID == "" {
		problems = append(problems, "statement id is required")
	}
	if !e.Date.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid date %s", e.Date))
	}
	if strings.TrimSpace(e.Description) == "" {
		problems = append(problems, "description is required")
	}
	if e.CategoryID == "" {
		problems = append(problems, "category id is required")
	}
	if !e.BaseAmount.IsPositive() {
		problems = append(problems, fmt.Sprintf("amount must be positive, got %s", e.BaseAmount))
	}
	if !e.OriginalAmount.IsPositive() {
		problems = append(problems, fmt.Sprintf("original amount must be positive, got %s", e.OriginalAmount))
	}
	if !isCurrencyCode(e.OriginalCurrency) {
		problems = append(problems, fmt.Sprintf("invalid original currency %q", e.OriginalCurrency))
	}
	if !isCurrencyCode(e.DisplayCurrency) {
		problems = append(problems, fmt.Sprintf("invalid currency %q", e.DisplayCurrency))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidExpense, strings.Join(problems, "; "))
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Gate performs single-attempt inserts. A content-hash conflict is a
// Duplicate, not an error.
type Gate struct {
	expenses store.ExpenseRepository
	log      zerolog.Logger
}

// NewGate creates an insertion gate.
func NewGate(expenses store.ExpenseRepository, log zerolog.Logger) *Gate {
	return &Gate{expenses: expenses, log: log}
}

// Insert fills in the id and content hash when missing, validates the row
// and inserts it once. The returned error is non-nil only for Failed.
func (g *Gate) Insert(ctx context.Context, e *domain.Expense) (Outcome, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ContentHash == "" {
		e.ContentHash = ContentHash(e.Date, e.Description, e.BaseAmount)
	}

	if err := Validate(e); err != nil {
		g.log.Warn().
			Err(err).
			Str("statement_id", e.StatementID).
			Str("content_hash", e.ContentHash).
			Msg("dropping invalid expense")
		return Failed, fmt.Errorf("Insert: %w", err)
	}

	err := g.expenses.InsertExpense(ctx, e)
	switch {
	case err == nil:
		return Inserted, nil
	case errors.Is(err, store.ErrConflict):
		g.log.Debug().
			Str("statement_id", e.StatementID).
			Str("content_hash", e.ContentHash).
			Msg("duplicate expense skipped")
		return Duplicate, nil
	default:
		g.log.Warn().
			Err(err).
			Str("statement_id", e.StatementID).
			Str("content_hash", e.ContentHash).
			Msg("failed to insert expense")
		return Failed, fmt.Errorf("Insert: %w", err)
	}
}
