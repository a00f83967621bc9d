package dedup

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/infra/sqlite"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockExpenseRepository is a mock implementation of store.ExpenseRepository.
type MockExpenseRepository struct {
	InsertExpenseFunc func(ctx context.Context, e *domain.Expense) error
}

func (m *MockExpenseRepository) InsertExpense(ctx context.Context, e *domain.Expense) error {
	return m.InsertExpenseFunc(ctx, e)
}

func (m *MockExpenseRepository) ListExpenses(ctx context.Context, q store.ExpenseQuery) ([]*domain.Expense, error) {
	return nil, errors.New("not implemented")
}

func (m *MockExpenseRepository) UpdateExpenseCategory(ctx context.Context, userID, id, categoryID, categoryName string) error {
	return errors.New("not implemented")
}

func (m *MockExpenseRepository) RecategorizeMerchant(ctx context.Context, userID, merchant, categoryID, categoryName string) (int, error) {
	return 0, errors.New("not implemented")
}

func (m *MockExpenseRepository) DeleteExpense(ctx context.Context, userID, id string) error {
	return errors.New("not implemented")
}

var day = civil.Date{Year: 2025, Month: 1, Day: 1}

func validExpense() *domain.Expense {
	return &domain.Expense{
		UserID:           "u1",
		StatementID:      "st-1",
		Date:             day,
		Description:      "ACME STORE",
		CategoryName:     "Shopping",
		CategoryID:       "cat-1",
		BaseAmount:       decimal.RequireFromString("10.00"),
		OriginalAmount:   decimal.RequireFromString("10.00"),
		OriginalCurrency: "SGD",
		DisplayCurrency:  "SGD",
	}
}

func TestContentHash(t *testing.T) {
	base := ContentHash(day, "ACME STORE", decimal.RequireFromString("10.5"))

	assert.Len(t, base, 64)
	assert.Equal(t, base, ContentHash(day, "ACME STORE", decimal.RequireFromString("10.50")),
		"trailing zeros do not change the hash")
	assert.NotEqual(t, base, ContentHash(day, "ACME STORE ", decimal.RequireFromString("10.5")))
	assert.NotEqual(t, base, ContentHash(day.AddDays(1), "ACME STORE", decimal.RequireFromString("10.5")))
	assert.NotEqual(t, base, ContentHash(day, "ACME STORE", decimal.RequireFromString("10.51")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *domain.Expense)
		wantErr string
	}{
		{name: "valid", mutate: func(e *domain.Expense) {}},
		{name: "blank description", mutate: func(e *domain.Expense) { e.Description = "  " }, wantErr: "description is required"},
		{name: "zero amount", mutate: func(e *domain.Expense) { e.BaseAmount = decimal.Zero }, wantErr: "amount must be positive"},
		{name: "negative original", mutate: func(e *domain.Expense) { e.OriginalAmount = decimal.NewFromInt(-5) }, wantErr: "original amount must be positive"},
		{name: "lowercase currency", mutate: func(e *domain.Expense) { e.OriginalCurrency = "usd" }, wantErr: "invalid original currency"},
		{name: "bad date", mutate: func(e *domain.Expense) { e.Date = civil.Date{Year: 2025, Month: 2, Day: 30} }, wantErr: "invalid date"},
		{name: "no category", mutate: func(e *domain.Expense) { e.CategoryID = "" }, wantErr: "category id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExpense()
			tt.mutate(e)

			err := Validate(e)

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidExpense)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGateInsertOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		mutate    func(e *domain.Expense)
		want      Outcome
		wantErr   bool
		wantCalls int
	}{
		{name: "inserted", want: Inserted, wantCalls: 1},
		{name: "conflict is a duplicate", insertErr: store.ErrConflict, want: Duplicate, wantCalls: 1},
		{name: "wrapped conflict is a duplicate", insertErr: errors.Join(errors.New("insert"), store.ErrConflict), want: Duplicate, wantCalls: 1},
		{name: "other failure", insertErr: errors.New("foreign key"), want: Failed, wantErr: true, wantCalls: 1},
		{name: "invalid row never reaches the store", mutate: func(e *domain.Expense) { e.Description = "" }, want: Failed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			repo := &MockExpenseRepository{
				InsertExpenseFunc: func(ctx context.Context, e *domain.Expense) error {
					calls++
					return tt.insertErr
				},
			}
			gate := NewGate(repo, logger.NewWithWriter(io.Discard))
			e := validExpense()
			if tt.mutate != nil {
				tt.mutate(e)
			}

			got, err := gate.Insert(context.Background(), e)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantCalls, calls, "exactly one attempt, no retry")
			assert.NotEmpty(t, e.ID)
			assert.NotEmpty(t, e.ContentHash)
		})
	}
}

func TestGateDuplicateAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "finance.db"))
	require.NoError(t, err)
	defer repo.Close()

	st := &domain.Statement{ID: "st-1", UserID: "u1", Checksum: "c", Status: domain.StatementProcessing}
	require.NoError(t, repo.CreateStatement(ctx, st))
	cat := &domain.Category{ID: "cat-1", UserID: "u1", Name: "Shopping"}
	require.NoError(t, repo.CreateCategory(ctx, cat))

	gate := NewGate(repo, logger.NewWithWriter(io.Discard))

	first := validExpense()
	got, err := gate.Insert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, Inserted, got)

	// Same date, description and amount; different merchant and category.
	second := validExpense()
	merchant := "Someone Else"
	second.Merchant = &merchant
	second.CategoryName = "Other"
	second.ID = uuid.NewString()
	got, err = gate.Insert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, got)

	rows, err := repo.ListExpenses(ctx, store.ExpenseQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "inserted", Inserted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "Outcome(7)", Outcome(7).String())
}
