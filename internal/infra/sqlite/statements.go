package sqlite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

const statementColumns = `id, user_id, checksum, file_name, mime_type, blob_uri, status,
	items_observed, items_inserted, items_duplicate, items_dropped, failure_reason,
	created_at, updated_at`

func (r *Repository) CreateStatement(ctx context.Context, st *domain.Statement) error {
	now := r.timestamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO statements (`+statementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, '', ?, ?)`,
		st.ID, st.UserID, st.Checksum, st.FileName, st.MIMEType, st.BlobURI, string(st.Status),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("CreateStatement: %w", mapError(err))
	}
	st.CreatedAt = parseTime(now)
	st.UpdatedAt = st.CreatedAt
	return nil
}

func (r *Repository) GetStatement(ctx context.Context, userID, id string) (*domain.Statement, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+statementColumns+` FROM statements WHERE user_id = ? AND id = ?`, userID, id)
	st, err := scanStatement(row)
	if err != nil {
		return nil, fmt.Errorf("GetStatement: %w", mapError(err))
	}
	return st, nil
}

func (r *Repository) FindStatementByChecksum(ctx context.Context, userID, checksum string) (*domain.Statement, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+statementColumns+` FROM statements
		 WHERE user_id = ? AND checksum = ?
		 ORDER BY created_at DESC LIMIT 1`, userID, checksum)
	st, err := scanStatement(row)
	if err != nil {
		return nil, fmt.Errorf("FindStatementByChecksum: %w", mapError(err))
	}
	return st, nil
}

func (r *Repository) ListStatements(ctx context.Context, userID string) ([]*domain.Statement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+statementColumns+` FROM statements WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListStatements: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("ListStatements: scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListStatements: rows: %w", err)
	}
	return out, nil
}

// ListProcessingStatements filters by time after the scan because stored
// timestamps do not compare lexically at nanosecond precision.
func (r *Repository) ListProcessingStatements(ctx context.Context, createdBefore time.Time) ([]*domain.Statement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+statementColumns+` FROM statements WHERE status = 'processing' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ListProcessingStatements: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("ListProcessingStatements: scan: %w", err)
		}
		if st.CreatedAt.Before(createdBefore) {
			out = append(out, st)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListProcessingStatements: rows: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) FinishStatement(ctx context.Context, st *domain.Statement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("FinishStatement: status %q is not terminal", st.Status)
	}
	now := r.timestamp()
	res, err := r.db.ExecContext(ctx, `
		UPDATE statements
		SET status = ?, items_observed = ?, items_inserted = ?, items_duplicate = ?,
		    items_dropped = ?, failure_reason = ?, updated_at = ?
		WHERE user_id = ? AND id = ? AND status = 'processing'`,
		string(st.Status), st.ItemsObserved, st.ItemsInserted, st.ItemsDuplicate,
		st.ItemsDropped, st.FailureReason, now,
		st.UserID, st.ID,
	)
	if err != nil {
		return fmt.Errorf("FinishStatement: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("FinishStatement: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("FinishStatement: no processing statement %s: %w", st.ID, store.ErrNotFound)
	}
	st.UpdatedAt = parseTime(now)
	return nil
}

func scanStatement(s scanner) (*domain.Statement, error) {
	var (
		st                   domain.Statement
		status               string
		createdAt, updatedAt string
	)
	err := s.Scan(
		&st.ID, &st.UserID, &st.Checksum, &st.FileName, &st.MIMEType, &st.BlobURI, &status,
		&st.ItemsObserved, &st.ItemsInserted, &st.ItemsDuplicate, &st.ItemsDropped, &st.FailureReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = domain.StatementStatus(status)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
