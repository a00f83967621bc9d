package supabase

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/shopspring/decimal"
)

const (
	statementsTable       = "statements"
	categoriesTable       = "categories"
	merchantMappingsTable = "merchant_mappings"
	expensesTable         = "expenses"
)

type statementRow struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Checksum       string    `json:"checksum"`
	FileName       string    `json:"file_name"`
	MIMEType       string    `json:"mime_type"`
	BlobURI        string    `json:"blob_uri"`
	Status         string    `json:"status"`
	ItemsObserved  int       `json:"items_observed"`
	ItemsInserted  int       `json:"items_inserted"`
	ItemsDuplicate int       `json:"items_duplicate"`
	ItemsDropped   int       `json:"items_dropped"`
	FailureReason  string    `json:"failure_reason"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r statementRow) toDomain() *domain.Statement {
	return &domain.Statement{
		ID:             r.ID,
		UserID:         r.UserID,
		Checksum:       r.Checksum,
		FileName:       r.FileName,
		MIMEType:       r.MIMEType,
		BlobURI:        r.BlobURI,
		Status:         domain.StatementStatus(r.Status),
		ItemsObserved:  r.ItemsObserved,
		ItemsInserted:  r.ItemsInserted,
		ItemsDuplicate: r.ItemsDuplicate,
		ItemsDropped:   r.ItemsDropped,
		FailureReason:  r.FailureReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type categoryRow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r categoryRow) toDomain() *domain.Category {
	return &domain.Category{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Description: r.Description,
		IsDefault:   r.IsDefault,
		CreatedAt:   r.CreatedAt,
	}
}

type mappingRow struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	MerchantName string    `json:"merchant_name"`
	Category     string    `json:"category"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r mappingRow) toDomain() *domain.MerchantMapping {
	return &domain.MerchantMapping{
		ID:           r.ID,
		UserID:       r.UserID,
		MerchantName: r.MerchantName,
		CategoryName: r.Category,
		CreatedAt:    r.CreatedAt,
	}
}

type expenseRow struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	StatementID      string          `json:"statement_id"`
	Date             civil.Date      `json:"date"`
	Description      string          `json:"description"`
	Merchant         *string         `json:"merchant"`
	Category         string          `json:"category"`
	CategoryID       string          `json:"category_id"`
	Amount           decimal.Decimal `json:"amount"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	OriginalCurrency string          `json:"original_currency"`
	Currency         string          `json:"currency"`
	LineHash         string          `json:"line_hash"`
	CreatedAt        time.Time       `json:"created_at"`
}

func newExpenseRow(e *domain.Expense, now time.Time) expenseRow {
	return expenseRow{
		ID:               e.ID,
		UserID:           e.UserID,
		StatementID:      e.StatementID,
		Date:             e.Date,
		Description:      e.Description,
		Merchant:         e.Merchant,
		Category:         e.CategoryName,
		CategoryID:       e.CategoryID,
		Amount:           e.BaseAmount,
		OriginalAmount:   e.OriginalAmount,
		OriginalCurrency: e.OriginalCurrency,
		Currency:         e.DisplayCurrency,
		LineHash:         e.ContentHash,
		CreatedAt:        now,
	}
}

func (r expenseRow) toDomain() *domain.Expense {
	return &domain.Expense{
		ID:               r.ID,
		UserID:           r.UserID,
		StatementID:      r.StatementID,
		Date:             r.Date,
		Description:      r.Description,
		Merchant:         r.Merchant,
		CategoryName:     r.Category,
		CategoryID:       r.CategoryID,
		BaseAmount:       r.Amount,
		OriginalAmount:   r.OriginalAmount,
		OriginalCurrency: r.OriginalCurrency,
		DisplayCurrency:  r.Currency,
		ContentHash:      r.LineHash,
		CreatedAt:        r.CreatedAt,
	}
}

// mapError translates PostgREST "(code) message" errors into store
// sentinels. 23505 is unique_violation.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "(23505)"):
		return fmt.Errorf("%w: %s", store.ErrConflict, msg)
	case strings.HasPrefix(msg, "(PGRST116)"):
		return store.ErrNotFound
	}
	return err
}

// escapeLike makes s match literally in an ilike pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `\*`)
	return r.Replace(s)
}
