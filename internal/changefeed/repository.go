package changefeed

import (
	"context"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// PublishingRepository wraps a store.Repository and publishes a change event
// after every successful write. Publish failures are logged and never fail
// the write.
type PublishingRepository struct {
	store.Repository
	pub Publisher
	log zerolog.Logger
	now func() time.Time
}

// NewPublishingRepository wraps repo.
func NewPublishingRepository(repo store.Repository, pub Publisher, log zerolog.Logger) *PublishingRepository {
	return &PublishingRepository{Repository: repo, pub: pub, log: log, now: time.Now}
}

func (r *PublishingRepository) publish(ctx context.Context, table Table, op Op, userID, rowID string) {
	ev := Event{Table: table, Op: op, UserID: userID, RowID: rowID, At: r.now().UTC()}
	if err := r.pub.Publish(ctx, ev); err != nil {
		r.log.Warn().
			Err(err).
			Str("table", string(table)).
			Str("op", string(op)).
			Str("user_id", userID).
			Msg("failed to publish change event")
	}
}

func (r *PublishingRepository) CreateStatement(ctx context.Context, st *domain.Statement) error {
	if err := r.Repository.CreateStatement(ctx, st); err != nil {
		return err
	}
	r.publish(ctx, TableStatements, OpInsert, st.UserID, st.ID)
	return nil
}

func (r *PublishingRepository) FinishStatement(ctx context.Context, st *domain.Statement) error {
	if err := r.Repository.FinishStatement(ctx, st); err != nil {
		return err
	}
	r.publish(ctx, TableStatements, OpUpdate, st.UserID, st.ID)
	return nil
}

func (r *PublishingRepository) CreateCategory(ctx context.Context, c *domain.Category) error {
	if err := r.Repository.CreateCategory(ctx, c); err != nil {
		return err
	}
	r.publish(ctx, TableCategories, OpInsert, c.UserID, c.ID)
	return nil
}

func (r *PublishingRepository) CreateMerchantMapping(ctx context.Context, m *domain.MerchantMapping) error {
	if err := r.Repository.CreateMerchantMapping(ctx, m); err != nil {
		return err
	}
	r.publish(ctx, TableMerchantMappings, OpInsert, m.UserID, m.ID)
	return nil
}

func (r *PublishingRepository) DeleteMerchantMapping(ctx context.Context, userID, merchant string) error {
	if err := r.Repository.DeleteMerchantMapping(ctx, userID, merchant); err != nil {
		return err
	}
	r.publish(ctx, TableMerchantMappings, OpDelete, userID, "")
	return nil
}

func (r *PublishingRepository) InsertExpense(ctx context.Context, e *domain.Expense) error {
	if err := r.Repository.InsertExpense(ctx, e); err != nil {
		return err
	}
	r.publish(ctx, TableExpenses, OpInsert, e.UserID, e.ID)
	return nil
}

func (r *PublishingRepository) UpdateExpenseCategory(ctx context.Context, userID, id, categoryID, categoryName string) error {
	if err := r.Repository.UpdateExpenseCategory(ctx, userID, id, categoryID, categoryName); err != nil {
		return err
	}
	r.publish(ctx, TableExpenses, OpUpdate, userID, id)
	return nil
}

func (r *PublishingRepository) RecategorizeMerchant(ctx context.Context, userID, merchant, categoryID, categoryName string) (int, error) {
	n, err := r.Repository.RecategorizeMerchant(ctx, userID, merchant, categoryID, categoryName)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.publish(ctx, TableExpenses, OpUpdate, userID, "")
	}
	return n, nil
}

func (r *PublishingRepository) DeleteExpense(ctx context.Context, userID, id string) error {
	if err := r.Repository.DeleteExpense(ctx, userID, id); err != nil {
		return err
	}
	r.publish(ctx, TableExpenses, OpDelete, userID, id)
	return nil
}

// MultiPublisher publishes to each publisher in order and returns the first
// error after trying all of them.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
