// Package categories maps free-text category and merchant names to stable
// per-user categories.
package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Uncategorized is used when the extractor suggests no category at all.
const Uncategorized = "Uncategorized"

// DefaultVocabulary seeds the extraction prompt for users with no categories.
var DefaultVocabulary = []string{
	"Food & Drink", "Transport", "Shopping", "Groceries", "Entertainment",
	"Bills", "Health", "Travel", "Other",
}

// Resolver resolves category labels and merchant overrides for one datastore.
// It holds no locks: concurrent first use of a label is settled by the
// datastore's uniqueness constraint and a re-read.
type Resolver struct {
	categories store.CategoryRepository
	mappings   store.MerchantMappingRepository
	log        zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(categories store.CategoryRepository, mappings store.MerchantMappingRepository, log zerolog.Logger) *Resolver {
	return &Resolver{categories: categories, mappings: mappings, log: log}
}

// NormalizeMerchant returns the key merchant mappings are stored under.
func NormalizeMerchant(merchant string) string {
	return strings.ToUpper(strings.TrimSpace(merchant))
}

// ResolveCategory returns the user's category named label, creating it on
// first use. An empty label resolves to Uncategorized.
func (r *Resolver) ResolveCategory(ctx context.Context, userID, label string) (*domain.Category, error) {
	name := strings.TrimSpace(label)
	if name == "" {
		name = Uncategorized
	}

	existing, err := r.categories.FindCategoryByName(ctx, userID, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ResolveCategory: lookup %q: %w", name, err)
	}

	created := &domain.Category{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
	}
	err = r.categories.CreateCategory(ctx, created)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("ResolveCategory: create %q: %w", name, err)
	}

	// Another resolver created it between our lookup and insert.
	winner, err := r.categories.FindCategoryByName(ctx, userID, name)
	if err != nil {
		return nil, fmt.Errorf("ResolveCategory: re-read %q after conflict: %w", name, err)
	}
	r.log.Debug().
		Str("user_id", userID).
		Str("category", name).
		Msg("category created concurrently, using existing row")
	return winner, nil
}

// ResolveMerchantOverride returns the category a merchant mapping forces for
// merchant, if any.
func (r *Resolver) ResolveMerchantOverride(ctx context.Context, userID, merchant string) (string, bool, error) {
	key := NormalizeMerchant(merchant)
	if key == "" {
		return "", false, nil
	}

	m, err := r.mappings.FindMerchantMapping(ctx, userID, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ResolveMerchantOverride: lookup %q: %w", key, err)
	}
	return m.CategoryName, true, nil
}

// Vocabulary returns the category names offered to the extractor, falling
// back to DefaultVocabulary when the user has none.
func (r *Resolver) Vocabulary(ctx context.Context, userID string) ([]string, error) {
	cats, err := r.categories.ListCategories(ctx, userID)
	if err != nil {
		return DefaultVocabulary, fmt.Errorf("Vocabulary: %w", err)
	}
	if len(cats) == 0 {
		return DefaultVocabulary, nil
	}
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
	}
	return names, nil
}
