package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
)

// MappingService manages merchant mappings and applies them to a user's
// existing expenses.
type MappingService struct {
	resolver *Resolver
	mappings store.MerchantMappingRepository
	expenses store.ExpenseRepository
}

// NewMappingService creates a mapping service.
func NewMappingService(resolver *Resolver, mappings store.MerchantMappingRepository, expenses store.ExpenseRepository) *MappingService {
	return &MappingService{resolver: resolver, mappings: mappings, expenses: expenses}
}

// Create stores a mapping from merchant to category. It returns false when
// the user already has a mapping for that merchant; the existing one wins.
func (s *MappingService) Create(ctx context.Context, userID, merchant, category string) (bool, error) {
	key := NormalizeMerchant(merchant)
	if key == "" {
		return false, fmt.Errorf("Create: merchant name is required")
	}
	if strings.TrimSpace(category) == "" {
		return false, fmt.Errorf("Create: category is required")
	}

	cat, err := s.resolver.ResolveCategory(ctx, userID, category)
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}

	err = s.mappings.CreateMerchantMapping(ctx, &domain.MerchantMapping{
		ID:           uuid.NewString(),
		UserID:       userID,
		MerchantName: key,
		CategoryName: cat.Name,
	})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Create: %w", err)
	}
	return true, nil
}

// List returns the user's mappings ordered by merchant name.
func (s *MappingService) List(ctx context.Context, userID string) ([]*domain.MerchantMapping, error) {
	return s.mappings.ListMerchantMappings(ctx, userID)
}

// Delete removes the mapping for merchant.
func (s *MappingService) Delete(ctx context.Context, userID, merchant string) error {
	return s.mappings.DeleteMerchantMapping(ctx, userID, NormalizeMerchant(merchant))
}

// Apply re-categorises every existing expense of merchant according to its
// mapping and returns how many rows changed.
func (s *MappingService) Apply(ctx context.Context, userID, merchant string) (int, error) {
	category, ok, err := s.resolver.ResolveMerchantOverride(ctx, userID, merchant)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("Apply: no mapping for %q: %w", NormalizeMerchant(merchant), store.ErrNotFound)
	}

	cat, err := s.resolver.ResolveCategory(ctx, userID, category)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}

	n, err := s.expenses.RecategorizeMerchant(ctx, userID, merchant, cat.ID, cat.Name)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}
	return n, nil
}
