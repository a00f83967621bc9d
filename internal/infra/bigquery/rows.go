// Package bigquery mirrors ingestion runs and inserted expenses into a
// BigQuery dataset for analytics. The operational datastore stays the
// source of truth.
package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
)

const (
	ingestionRunsTable = "ingestion_runs"
	expensesTable      = "expenses"

	runStatusRunning = "RUNNING"

	maxErrorLen = 2000
)

type IngestionRunRow struct {
	RunID       string `bigquery:"run_id"`       // REQUIRED
	StatementID string `bigquery:"statement_id"` // REQUIRED
	UserID      string `bigquery:"user_id"`      // REQUIRED

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       string              `bigquery:"status"`        // REQUIRED
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE

	ItemsObserved  bigquery.NullInt64 `bigquery:"items_observed"`  // NULLABLE
	ItemsInserted  bigquery.NullInt64 `bigquery:"items_inserted"`  // NULLABLE
	ItemsDuplicate bigquery.NullInt64 `bigquery:"items_duplicate"` // NULLABLE
	ItemsDropped   bigquery.NullInt64 `bigquery:"items_dropped"`   // NULLABLE
}

type ExpenseRow struct {
	ExpenseID   string `bigquery:"expense_id"`   // REQUIRED
	RunID       string `bigquery:"run_id"`       // REQUIRED
	UserID      string `bigquery:"user_id"`      // REQUIRED
	StatementID string `bigquery:"statement_id"` // REQUIRED

	ExpenseDate civil.Date          `bigquery:"expense_date"` // REQUIRED
	Description string              `bigquery:"description"`  // REQUIRED
	Merchant    bigquery.NullString `bigquery:"merchant"`     // NULLABLE
	Category    string              `bigquery:"category"`     // REQUIRED

	Amount           *big.Rat `bigquery:"amount"`            // REQUIRED NUMERIC, base currency
	OriginalAmount   *big.Rat `bigquery:"original_amount"`   // REQUIRED NUMERIC
	OriginalCurrency string   `bigquery:"original_currency"` // REQUIRED
	Currency         string   `bigquery:"currency"`          // REQUIRED

	LineHash  string    `bigquery:"line_hash"`  // REQUIRED
	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

func expenseRow(runID string, e *domain.Expense, now time.Time) *ExpenseRow {
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	var merchant bigquery.NullString
	if e.Merchant != nil {
		merchant = bigquery.NullString{StringVal: *e.Merchant, Valid: true}
	}
	return &ExpenseRow{
		ExpenseID:        e.ID,
		RunID:            runID,
		UserID:           e.UserID,
		StatementID:      e.StatementID,
		ExpenseDate:      e.Date,
		Description:      e.Description,
		Merchant:         merchant,
		Category:         e.CategoryName,
		Amount:           e.BaseAmount.Rat(),
		OriginalAmount:   e.OriginalAmount.Rat(),
		OriginalCurrency: e.OriginalCurrency,
		Currency:         e.DisplayCurrency,
		LineHash:         e.ContentHash,
		CreatedTS:        created.UTC(),
	}
}

// runStatus maps a statement status to the warehouse vocabulary.
func runStatus(st *domain.Statement) string {
	switch st.Status {
	case domain.StatementCompleted:
		if st.PartiallyIngested() {
			return "PARTIAL"
		}
		return "SUCCESS"
	case domain.StatementFailed:
		return "FAILED"
	default:
		return runStatusRunning
	}
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
