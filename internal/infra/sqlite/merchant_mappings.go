package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

func (r *Repository) FindMerchantMapping(ctx context.Context, userID, merchant string) (*domain.MerchantMapping, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, merchant_name, category, created_at
		FROM merchant_mappings
		WHERE user_id = ? AND merchant_name = ?`, userID, strings.ToUpper(merchant))
	m, err := scanMapping(row)
	if err != nil {
		return nil, fmt.Errorf("FindMerchantMapping: %w", mapError(err))
	}
	return m, nil
}

func (r *Repository) CreateMerchantMapping(ctx context.Context, m *domain.MerchantMapping) error {
	now := r.timestamp()
	m.MerchantName = strings.ToUpper(m.MerchantName)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO merchant_mappings (id, user_id, merchant_name, category, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.MerchantName, m.CategoryName, now,
	)
	if err != nil {
		return fmt.Errorf("CreateMerchantMapping: %w", mapError(err))
	}
	m.CreatedAt = parseTime(now)
	return nil
}

func (r *Repository) ListMerchantMappings(ctx context.Context, userID string) ([]*domain.MerchantMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, merchant_name, category, created_at
		FROM merchant_mappings
		WHERE user_id = ?
		ORDER BY merchant_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListMerchantMappings: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.MerchantMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMerchantMappings: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMerchantMappings: rows: %w", err)
	}
	return out, nil
}

func (r *Repository) DeleteMerchantMapping(ctx context.Context, userID, merchant string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM merchant_mappings WHERE user_id = ? AND merchant_name = ?`,
		userID, strings.ToUpper(merchant))
	if err != nil {
		return fmt.Errorf("DeleteMerchantMapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("DeleteMerchantMapping: %w", store.ErrNotFound)
	}
	return nil
}

func scanMapping(s scanner) (*domain.MerchantMapping, error) {
	var (
		m         domain.MerchantMapping
		createdAt string
	)
	if err := s.Scan(&m.ID, &m.UserID, &m.MerchantName, &m.CategoryName, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}
