package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// requestLogger returns the logger the request middleware attached, or
// fallback outside of it.
func requestLogger(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l, ok := ctx.Value(logger.LoggerKey).(zerolog.Logger); ok {
		return l
	}
	return fallback
}

// CategoriesHandler handles category-related endpoints.
type CategoriesHandler struct {
	repo store.CategoryRepository
	log  zerolog.Logger
}

// NewCategoriesHandler creates a new categories handler.
func NewCategoriesHandler(repo store.CategoryRepository, log zerolog.Logger) *CategoriesHandler {
	return &CategoriesHandler{
		repo: repo,
		log:  log,
	}
}

// ListCategories handles GET /api/categories
func (h *CategoriesHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	categories, err := h.repo.ListCategories(ctx, middleware.UserID(ctx))
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Msg("Failed to list categories")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list categories")
		return
	}
	if categories == nil {
		categories = []*domain.Category{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
		"count":      len(categories),
	})
}

// MappingService manages merchant mappings.
type MappingService interface {
	Create(ctx context.Context, userID, merchant, category string) (bool, error)
	List(ctx context.Context, userID string) ([]*domain.MerchantMapping, error)
	Delete(ctx context.Context, userID, merchant string) error
	Apply(ctx context.Context, userID, merchant string) (int, error)
}

// MappingsHandler handles merchant mapping endpoints.
type MappingsHandler struct {
	service MappingService
	log     zerolog.Logger
}

// NewMappingsHandler creates a new merchant mappings handler.
func NewMappingsHandler(service MappingService, log zerolog.Logger) *MappingsHandler {
	return &MappingsHandler{
		service: service,
		log:     log,
	}
}

// ListMappings handles GET /api/merchant-mappings
func (h *MappingsHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mappings, err := h.service.List(ctx, middleware.UserID(ctx))
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Msg("Failed to list merchant mappings")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list merchant mappings")
		return
	}
	if mappings == nil {
		mappings = []*domain.MerchantMapping{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"mappings": mappings,
		"count":    len(mappings),
	})
}

// CreateMapping handles POST /api/merchant-mappings. With "apply" set, the
// user's existing expenses for the merchant are re-categorised too, even
// when the mapping already existed.
func (h *MappingsHandler) CreateMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Merchant string `json:"merchant"`
		Category string `json:"category"`
		Apply    bool   `json:"apply"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Merchant) == "" || strings.TrimSpace(req.Category) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "merchant and category are required")
		return
	}

	ctx := r.Context()
	userID := middleware.UserID(ctx)
	log := requestLogger(ctx, h.log).With().Str("merchant", req.Merchant).Logger()

	created, err := h.service.Create(ctx, userID, req.Merchant, req.Category)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create merchant mapping")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create merchant mapping")
		return
	}

	applied := 0
	if req.Apply {
		applied, err = h.service.Apply(ctx, userID, req.Merchant)
		if err != nil {
			log.Error().Err(err).Msg("Failed to apply merchant mapping")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to apply merchant mapping")
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	middleware.WriteJSON(w, status, map[string]interface{}{
		"created": created,
		"applied": applied,
	})
}

// DeleteMapping handles DELETE /api/merchant-mappings/{merchant}
func (h *MappingsHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchant := r.PathValue("merchant")

	err := h.service.Delete(ctx, middleware.UserID(ctx), merchant)
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Merchant mapping not found")
		return
	}
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Str("merchant", merchant).Msg("Failed to delete merchant mapping")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete merchant mapping")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
