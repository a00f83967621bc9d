// Package api assembles the HTTP surface: routes plus the middleware chain.
package api

import (
	"net/http"

	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Handlers are the endpoint groups served by the router.
type Handlers struct {
	Statements *handlers.StatementsHandler
	Expenses   *handlers.ExpensesHandler
	Mappings   *handlers.MappingsHandler
	Categories *handlers.CategoriesHandler
	Jobs       *handlers.JobsHandler
}

// NewRouter registers every route and wraps the mux in the middleware chain.
func NewRouter(h Handlers, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Statements
	mux.HandleFunc("POST /api/statements", h.Statements.Upload)
	mux.HandleFunc("GET /api/statements", h.Statements.ListStatements)
	mux.HandleFunc("GET /api/statements/stream", h.Statements.StreamStatements)
	mux.HandleFunc("GET /api/statements/{id}", h.Statements.GetStatement)

	// Ingest jobs
	mux.HandleFunc("GET /api/jobs", h.Jobs.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.Jobs.GetJob)

	// Expenses
	mux.HandleFunc("GET /api/expenses/stream", h.Expenses.StreamExpenses)
	mux.HandleFunc("PATCH /api/expenses/{id}", h.Expenses.UpdateExpense)
	mux.HandleFunc("DELETE /api/expenses/{id}", h.Expenses.DeleteExpense)

	// Merchant mappings
	mux.HandleFunc("GET /api/merchant-mappings", h.Mappings.ListMappings)
	mux.HandleFunc("POST /api/merchant-mappings", h.Mappings.CreateMapping)
	mux.HandleFunc("DELETE /api/merchant-mappings/{merchant}", h.Mappings.DeleteMapping)

	// Categories
	mux.HandleFunc("GET /api/categories", h.Categories.ListCategories)

	mux.HandleFunc("GET /health", handlers.Health)

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.CORS(
					middleware.Auth(mux),
				),
			),
		),
	)
}
