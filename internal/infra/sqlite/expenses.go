package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/shopspring/decimal"
)

const expenseColumns = `id, user_id, statement_id, date, description, merchant, category, category_id,
	amount, original_amount, original_currency, currency, line_hash, created_at`

func (r *Repository) InsertExpense(ctx context.Context, e *domain.Expense) error {
	now := r.timestamp()
	var merchant sql.NullString
	if e.Merchant != nil {
		merchant = sql.NullString{String: *e.Merchant, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO expenses (`+expenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.StatementID, e.Date.String(), e.Description, merchant,
		e.CategoryName, e.CategoryID,
		e.BaseAmount.String(), e.OriginalAmount.String(), e.OriginalCurrency, e.DisplayCurrency,
		e.ContentHash, now,
	)
	if err != nil {
		return fmt.Errorf("InsertExpense: %w", mapError(err))
	}
	e.CreatedAt = parseTime(now)
	return nil
}

func (r *Repository) ListExpenses(ctx context.Context, q store.ExpenseQuery) ([]*domain.Expense, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{q.UserID}
	)
	if !q.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, q.From.String())
	}
	if !q.To.IsZero() {
		where = append(where, "date < ?")
		args = append(args, q.To.String())
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE `+strings.Join(where, " AND ")+
			` ORDER BY date DESC, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListExpenses: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("ListExpenses: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListExpenses: rows: %w", err)
	}
	return out, nil
}

func (r *Repository) UpdateExpenseCategory(ctx context.Context, userID, id, categoryID, categoryName string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE expenses SET category_id = ?, category = ? WHERE user_id = ? AND id = ?`,
		categoryID, categoryName, userID, id)
	if err != nil {
		return fmt.Errorf("UpdateExpenseCategory: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("UpdateExpenseCategory: %w", store.ErrNotFound)
	}
	return nil
}

func (r *Repository) RecategorizeMerchant(ctx context.Context, userID, merchant, categoryID, categoryName string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE expenses SET category_id = ?, category = ?
		WHERE user_id = ? AND upper(merchant) = upper(?)`,
		categoryID, categoryName, userID, strings.TrimSpace(merchant))
	if err != nil {
		return 0, fmt.Errorf("RecategorizeMerchant: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("RecategorizeMerchant: rows affected: %w", err)
	}
	return int(n), nil
}

func (r *Repository) DeleteExpense(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM expenses WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("DeleteExpense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("DeleteExpense: %w", store.ErrNotFound)
	}
	return nil
}

func scanExpense(s scanner) (*domain.Expense, error) {
	var (
		e                      domain.Expense
		date, createdAt        string
		merchant               sql.NullString
		amount, originalAmount string
	)
	err := s.Scan(
		&e.ID, &e.UserID, &e.StatementID, &date, &e.Description, &merchant,
		&e.CategoryName, &e.CategoryID,
		&amount, &originalAmount, &e.OriginalCurrency, &e.DisplayCurrency,
		&e.ContentHash, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Date, err = civil.ParseDate(date); err != nil {
		return nil, fmt.Errorf("expense %s: date %q: %w", e.ID, date, err)
	}
	if e.BaseAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("expense %s: amount %q: %w", e.ID, amount, err)
	}
	if e.OriginalAmount, err = decimal.NewFromString(originalAmount); err != nil {
		return nil, fmt.Errorf("expense %s: original amount %q: %w", e.ID, originalAmount, err)
	}
	if merchant.Valid {
		m := merchant.String
		e.Merchant = &m
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
