// Package supabase is the hosted datastore backend. It talks to the
// statements, categories, merchant_mappings and expenses tables through
// PostgREST; uniqueness is enforced by the same indexes as the sqlite schema
// (see schema.sql) and violations surface as store.ErrConflict.
package supabase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

// Repository implements store.Repository on Supabase.
type Repository struct {
	client *supabase.Client
	now    func() time.Time
}

var _ store.Repository = (*Repository)(nil)

// NewRepository connects with a service key. Row-level scoping is done by
// the explicit user_id filter on every query.
func NewRepository(url, key string) (*Repository, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("NewRepository: create supabase client: %w", err)
	}
	return &Repository{client: client, now: time.Now}, nil
}

// Close is a no-op; the client holds no persistent connection.
func (r *Repository) Close() error { return nil }

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

// one decodes a single-row result, returning ErrNotFound when empty.
func one[T any](rows []T) (*T, error) {
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

var ascending = &postgrest.OrderOpts{Ascending: true}

// Statements

func (r *Repository) CreateStatement(ctx context.Context, st *domain.Statement) error {
	now := r.timestamp()
	row := statementRow{
		ID:        st.ID,
		UserID:    st.UserID,
		Checksum:  st.Checksum,
		FileName:  st.FileName,
		MIMEType:  st.MIMEType,
		BlobURI:   st.BlobURI,
		Status:    string(st.Status),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, _, err := r.client.From(statementsTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", mapError(err))
	}
	st.CreatedAt = now
	st.UpdatedAt = now
	return nil
}

func (r *Repository) GetStatement(ctx context.Context, userID, id string) (*domain.Statement, error) {
	var rows []statementRow
	_, err := r.client.From(statementsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", mapError(err))
	}
	row, err := one(rows)
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", err)
	}
	return row.toDomain(), nil
}

func (r *Repository) FindStatementByChecksum(ctx context.Context, userID, checksum string) (*domain.Statement, error) {
	var rows []statementRow
	_, err := r.client.From(statementsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("checksum", checksum).
		Order("created_at", nil).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("FindStatementByChecksum: %w", mapError(err))
	}
	row, err := one(rows)
	if err != nil {
		return nil, fmt.Errorf("FindStatementByChecksum: %w", err)
	}
	return row.toDomain(), nil
}

func (r *Repository) ListStatements(ctx context.Context, userID string) ([]*domain.Statement, error) {
	var rows []statementRow
	_, err := r.client.From(statementsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Order("created_at", nil).
		Order("id", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("ListStatements: %w", mapError(err))
	}
	out := make([]*domain.Statement, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repository) ListProcessingStatements(ctx context.Context, createdBefore time.Time) ([]*domain.Statement, error) {
	var rows []statementRow
	_, err := r.client.From(statementsTable).
		Select("*", "", false).
		Eq("status", string(domain.StatementProcessing)).
		Lt("created_at", createdBefore.UTC().Format(time.RFC3339Nano)).
		Order("created_at", ascending).
		Order("id", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("ListProcessingStatements: %w", mapError(err))
	}
	out := make([]*domain.Statement, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repository) FinishStatement(ctx context.Context, st *domain.Statement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("FinishStatement: status %q is not terminal", st.Status)
	}
	now := r.timestamp()
	patch := map[string]any{
		"status":          string(st.Status),
		"items_observed":  st.ItemsObserved,
		"items_inserted":  st.ItemsInserted,
		"items_duplicate": st.ItemsDuplicate,
		"items_dropped":   st.ItemsDropped,
		"failure_reason":  st.FailureReason,
		"updated_at":      now,
	}
	var rows []statementRow
	_, err := r.client.From(statementsTable).
		Update(patch, "representation", "").
		Eq("user_id", st.UserID).
		Eq("id", st.ID).
		Eq("status", string(domain.StatementProcessing)).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("FinishStatement: %w", mapError(err))
	}
	if len(rows) == 0 {
		return fmt.Errorf("FinishStatement: no processing statement %s: %w", st.ID, store.ErrNotFound)
	}
	st.UpdatedAt = now
	return nil
}

// Categories

func (r *Repository) FindCategoryByName(ctx context.Context, userID, name string) (*domain.Category, error) {
	var rows []categoryRow
	_, err := r.client.From(categoriesTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Ilike("name", escapeLike(strings.TrimSpace(name))).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("FindCategoryByName: %w", mapError(err))
	}
	row, err := one(rows)
	if err != nil {
		return nil, fmt.Errorf("FindCategoryByName: %w", err)
	}
	return row.toDomain(), nil
}

func (r *Repository) CreateCategory(ctx context.Context, c *domain.Category) error {
	now := r.timestamp()
	row := categoryRow{
		ID:          c.ID,
		UserID:      c.UserID,
		Name:        c.Name,
		Description: c.Description,
		IsDefault:   c.IsDefault,
		CreatedAt:   now,
	}
	_, _, err := r.client.From(categoriesTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("CreateCategory: %w", mapError(err))
	}
	c.CreatedAt = now
	return nil
}

func (r *Repository) ListCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	var rows []categoryRow
	_, err := r.client.From(categoriesTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Order("name", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", mapError(err))
	}
	out := make([]*domain.Category, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Merchant mappings

func (r *Repository) FindMerchantMapping(ctx context.Context, userID, merchant string) (*domain.MerchantMapping, error) {
	var rows []mappingRow
	_, err := r.client.From(merchantMappingsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("merchant_name", strings.ToUpper(merchant)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("FindMerchantMapping: %w", mapError(err))
	}
	row, err := one(rows)
	if err != nil {
		return nil, fmt.Errorf("FindMerchantMapping: %w", err)
	}
	return row.toDomain(), nil
}

func (r *Repository) CreateMerchantMapping(ctx context.Context, m *domain.MerchantMapping) error {
	now := r.timestamp()
	m.MerchantName = strings.ToUpper(m.MerchantName)
	row := mappingRow{
		ID:           m.ID,
		UserID:       m.UserID,
		MerchantName: m.MerchantName,
		Category:     m.CategoryName,
		CreatedAt:    now,
	}
	_, _, err := r.client.From(merchantMappingsTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("CreateMerchantMapping: %w", mapError(err))
	}
	m.CreatedAt = now
	return nil
}

func (r *Repository) ListMerchantMappings(ctx context.Context, userID string) ([]*domain.MerchantMapping, error) {
	var rows []mappingRow
	_, err := r.client.From(merchantMappingsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Order("merchant_name", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("ListMerchantMappings: %w", mapError(err))
	}
	out := make([]*domain.MerchantMapping, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repository) DeleteMerchantMapping(ctx context.Context, userID, merchant string) error {
	var rows []mappingRow
	_, err := r.client.From(merchantMappingsTable).
		Delete("representation", "").
		Eq("user_id", userID).
		Eq("merchant_name", strings.ToUpper(merchant)).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("DeleteMerchantMapping: %w", mapError(err))
	}
	if len(rows) == 0 {
		return fmt.Errorf("DeleteMerchantMapping: %w", store.ErrNotFound)
	}
	return nil
}

// Expenses

func (r *Repository) InsertExpense(ctx context.Context, e *domain.Expense) error {
	now := r.timestamp()
	_, _, err := r.client.From(expensesTable).
		Insert(newExpenseRow(e, now), false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("InsertExpense: %w", mapError(err))
	}
	e.CreatedAt = now
	return nil
}

func (r *Repository) ListExpenses(ctx context.Context, q store.ExpenseQuery) ([]*domain.Expense, error) {
	query := r.client.From(expensesTable).
		Select("*", "", false).
		Eq("user_id", q.UserID)

	// Filters are keyed by column, so a bounded range goes through one
	// and=(...) clause.
	switch {
	case !q.From.IsZero() && !q.To.IsZero():
		query = query.And(dateRange(q), "")
	case !q.From.IsZero():
		query = query.Gte("date", q.From.String())
	case !q.To.IsZero():
		query = query.Lt("date", q.To.String())
	}

	var rows []expenseRow
	_, err := query.
		Order("date", nil).
		Order("id", ascending).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("ListExpenses: %w", mapError(err))
	}
	out := make([]*domain.Expense, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func dateRange(q store.ExpenseQuery) string {
	return fmt.Sprintf("date.gte.%s,date.lt.%s", q.From, q.To)
}

func (r *Repository) UpdateExpenseCategory(ctx context.Context, userID, id, categoryID, categoryName string) error {
	var rows []expenseRow
	_, err := r.client.From(expensesTable).
		Update(map[string]any{"category_id": categoryID, "category": categoryName}, "representation", "").
		Eq("user_id", userID).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("UpdateExpenseCategory: %w", mapError(err))
	}
	if len(rows) == 0 {
		return fmt.Errorf("UpdateExpenseCategory: %w", store.ErrNotFound)
	}
	return nil
}

func (r *Repository) RecategorizeMerchant(ctx context.Context, userID, merchant, categoryID, categoryName string) (int, error) {
	var rows []expenseRow
	_, err := r.client.From(expensesTable).
		Update(map[string]any{"category_id": categoryID, "category": categoryName}, "representation", "").
		Eq("user_id", userID).
		Ilike("merchant", escapeLike(strings.TrimSpace(merchant))).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("RecategorizeMerchant: %w", mapError(err))
	}
	return len(rows), nil
}

func (r *Repository) DeleteExpense(ctx context.Context, userID, id string) error {
	var rows []expenseRow
	_, err := r.client.From(expensesTable).
		Delete("representation", "").
		Eq("user_id", userID).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("DeleteExpense: %w", mapError(err))
	}
	if len(rows) == 0 {
		return fmt.Errorf("DeleteExpense: %w", store.ErrNotFound)
	}
	return nil
}
