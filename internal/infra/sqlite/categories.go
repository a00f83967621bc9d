package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
)

func (r *Repository) FindCategoryByName(ctx context.Context, userID, name string) (*domain.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, is_default, created_at
		FROM categories
		WHERE user_id = ? AND lower(name) = lower(?)`, userID, strings.TrimSpace(name))
	c, err := scanCategory(row)
	if err != nil {
		return nil, fmt.Errorf("FindCategoryByName: %w", mapError(err))
	}
	return c, nil
}

func (r *Repository) CreateCategory(ctx context.Context, c *domain.Category) error {
	now := r.timestamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, user_id, name, description, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Description, boolToInt(c.IsDefault), now,
	)
	if err != nil {
		return fmt.Errorf("CreateCategory: %w", mapError(err))
	}
	c.CreatedAt = parseTime(now)
	return nil
}

func (r *Repository) ListCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, is_default, created_at
		FROM categories
		WHERE user_id = ?
		ORDER BY lower(name)`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCategories: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCategories: rows: %w", err)
	}
	return out, nil
}

func scanCategory(s scanner) (*domain.Category, error) {
	var (
		c         domain.Category
		isDefault int
		createdAt string
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &isDefault, &createdAt); err != nil {
		return nil, err
	}
	c.IsDefault = isDefault != 0
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
