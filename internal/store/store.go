// Package store defines the datastore boundary used by ingestion and the
// live views. Every read and write takes the owning user id explicitly,
// apart from the startup sweep over unfinished statements.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
)

var (
	// ErrNotFound is returned when no row matches the user-scoped lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: unique constraint violation")
)

// ExpenseQuery selects a user's expenses by date. From is inclusive and To
// is exclusive; a zero date leaves that side open.
type ExpenseQuery struct {
	UserID string
	From   civil.Date
	To     civil.Date
}

// Matches reports whether a date falls inside the query range.
func (q ExpenseQuery) Matches(d civil.Date) bool {
	if !q.From.IsZero() && d.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !d.Before(q.To) {
		return false
	}
	return true
}

// StatementRepository persists statements and their lifecycle.
type StatementRepository interface {
	CreateStatement(ctx context.Context, st *domain.Statement) error
	GetStatement(ctx context.Context, userID, id string) (*domain.Statement, error)
	ListStatements(ctx context.Context, userID string) ([]*domain.Statement, error)
	FindStatementByChecksum(ctx context.Context, userID, checksum string) (*domain.Statement, error)

	// ListProcessingStatements returns statements of every user still in
	// processing that were created before cutoff, oldest first.
	ListProcessingStatements(ctx context.Context, createdBefore time.Time) ([]*domain.Statement, error)

	// FinishStatement writes the terminal status and counters, but only
	// while the row is still processing. It returns ErrNotFound otherwise.
	FinishStatement(ctx context.Context, st *domain.Statement) error
}

// CategoryRepository persists per-user categories.
type CategoryRepository interface {
	// FindCategoryByName matches name case-insensitively.
	FindCategoryByName(ctx context.Context, userID, name string) (*domain.Category, error)
	CreateCategory(ctx context.Context, c *domain.Category) error
	ListCategories(ctx context.Context, userID string) ([]*domain.Category, error)
}

// MerchantMappingRepository persists merchant overrides keyed by the
// upper-cased merchant name.
type MerchantMappingRepository interface {
	FindMerchantMapping(ctx context.Context, userID, merchant string) (*domain.MerchantMapping, error)
	CreateMerchantMapping(ctx context.Context, m *domain.MerchantMapping) error
	ListMerchantMappings(ctx context.Context, userID string) ([]*domain.MerchantMapping, error)
	DeleteMerchantMapping(ctx context.Context, userID, merchant string) error
}

// ExpenseRepository persists expenses. InsertExpense returns ErrConflict
// when the user already has a row with the same content hash.
type ExpenseRepository interface {
	InsertExpense(ctx context.Context, e *domain.Expense) error
	ListExpenses(ctx context.Context, q ExpenseQuery) ([]*domain.Expense, error)
	UpdateExpenseCategory(ctx context.Context, userID, id, categoryID, categoryName string) error
	// RecategorizeMerchant moves every expense of a merchant (case-insensitive)
	// into a category and returns the number of rows changed.
	RecategorizeMerchant(ctx context.Context, userID, merchant, categoryID, categoryName string) (int, error)
	DeleteExpense(ctx context.Context, userID, id string) error
}

// Repository is the full datastore surface.
type Repository interface {
	StatementRepository
	CategoryRepository
	MerchantMappingRepository
	ExpenseRepository
	Close() error
}
