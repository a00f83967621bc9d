package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/livesync"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// CategoryResolver finds or creates a user's category by name.
type CategoryResolver interface {
	ResolveCategory(ctx context.Context, userID, label string) (*domain.Category, error)
}

// ExpensesHandler handles the live expense stream and user edits.
type ExpensesHandler struct {
	repo       store.ExpenseRepository
	categories CategoryResolver
	hub        *changefeed.Hub
	windows    livesync.Config
	log        zerolog.Logger
}

// NewExpensesHandler creates a new expenses handler. windows holds the
// default window sizes for streams that do not set their own.
func NewExpensesHandler(repo store.ExpenseRepository, categories CategoryResolver, hub *changefeed.Hub, windows livesync.Config, log zerolog.Logger) *ExpensesHandler {
	return &ExpensesHandler{
		repo:       repo,
		categories: categories,
		hub:        hub,
		windows:    windows,
		log:        log,
	}
}

// StreamExpenses handles GET /api/expenses/stream. It opens a live view over
// the user's expenses and sends a "change" event whenever the filtered view
// differs from what was last sent. Window failures are reported inside the
// change payload and do not end the stream. Window bounds follow the date,
// checked on every heartbeat.
func (h *ExpensesHandler) StreamExpenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)
	log := requestLogger(ctx, h.log)

	params, err := parseStreamParams(r.URL.Query(), h.windows)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	view := livesync.Open(ctx, h.hub, h.repo, userID, params.Config, params.Filters, log)
	defer view.Close()

	if params.Historical {
		if err := view.LoadHistorical(); err != nil {
			log.Warn().Err(err).Msg("Failed to open historical window")
			middleware.WriteError(w, http.StatusServiceUnavailable, "Expense view is unavailable")
			return
		}
	}

	stream, err := newEventStream(w)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open event stream")
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
			if err := view.RollWindows(); err != nil {
				return
			}
		case change, ok := <-view.Changes():
			if !ok {
				return
			}
			if err := stream.Send("change", change); err != nil {
				return
			}
		}
	}
}

// UpdateExpense handles PATCH /api/expenses/{id}. Only the category can be
// changed; it is created for the user on first use.
func (h *ExpensesHandler) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Category) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "category is required")
		return
	}

	ctx := r.Context()
	userID := middleware.UserID(ctx)
	id := r.PathValue("id")
	log := requestLogger(ctx, h.log).With().Str("expense_id", id).Logger()

	cat, err := h.categories.ResolveCategory(ctx, userID, req.Category)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve category")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to update expense")
		return
	}

	err = h.repo.UpdateExpenseCategory(ctx, userID, id, cat.ID, cat.Name)
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Expense not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to update expense")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to update expense")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"id":          id,
		"category":    cat.Name,
		"category_id": cat.ID,
	})
}

// DeleteExpense handles DELETE /api/expenses/{id}
func (h *ExpensesHandler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	err := h.repo.DeleteExpense(ctx, middleware.UserID(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Expense not found")
		return
	}
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Str("expense_id", id).Msg("Failed to delete expense")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete expense")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
