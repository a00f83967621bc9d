package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Prefer string
	Body   []byte
}

// fakePostgREST answers every request with status and body and records it.
type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Prefer: r.Header.Get("Prefer"),
		Body:   body,
	})
	status, resp := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp))
}

func (f *fakePostgREST) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestRepository(t *testing.T, status int, body string) (*Repository, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{status: status, body: body}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	repo, err := NewRepository(srv.URL, "service-key")
	require.NoError(t, err)
	repo.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return repo, fake
}

func TestNewRepositoryRequiresURLAndKey(t *testing.T) {
	_, err := NewRepository("", "key")
	assert.Error(t, err)
	_, err = NewRepository("http://localhost", "")
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(errors.New(`(23505) duplicate key value violates unique constraint "ux"`)), store.ErrConflict)
	assert.ErrorIs(t, mapError(errors.New("(PGRST116) JSON object requested, multiple (or no) rows returned")), store.ErrNotFound)

	other := errors.New("(23503) insert or update violates foreign key constraint")
	assert.Equal(t, other, mapError(other))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "Groceries", escapeLike("Groceries"))
	assert.Equal(t, `100\% off\_now\*`, escapeLike("100% off_now*"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}

func TestGetStatement(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[{
		"id":"st-1","user_id":"u1","checksum":"abc","file_name":"june.pdf","mime_type":"application/pdf",
		"blob_uri":"local://statements/u1/st-1.pdf","status":"completed",
		"items_observed":4,"items_inserted":3,"items_duplicate":1,"items_dropped":0,"failure_reason":"",
		"created_at":"2025-06-01T10:00:00+00:00","updated_at":"2025-06-01T10:05:00+00:00"}]`)

	st, err := repo.GetStatement(context.Background(), "u1", "st-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatementCompleted, st.Status)
	assert.Equal(t, 3, st.ItemsInserted)
	assert.Equal(t, 1, st.ItemsDuplicate)
	assert.Equal(t, "local://statements/u1/st-1.pdf", st.BlobURI)

	req := fake.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/statements", req.Path)
	assert.Equal(t, "eq.u1", req.Query.Get("user_id"))
	assert.Equal(t, "eq.st-1", req.Query.Get("id"))
}

func TestGetStatementNotFound(t *testing.T) {
	repo, _ := newTestRepository(t, http.StatusOK, `[]`)

	_, err := repo.GetStatement(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinishStatementOnlyUpdatesProcessing(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[]`)

	st := &domain.Statement{ID: "st-1", UserID: "u1", Status: domain.StatementCompleted, ItemsObserved: 2, ItemsInserted: 2}
	err := repo.FinishStatement(context.Background(), st)
	assert.ErrorIs(t, err, store.ErrNotFound, "no processing row matched")

	req := fake.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "eq.processing", req.Query.Get("status"))
	assert.Contains(t, req.Prefer, "return=representation")

	var patch map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &patch))
	assert.Equal(t, "completed", patch["status"])
	assert.EqualValues(t, 2, patch["items_inserted"])
}

func TestListProcessingStatements(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[{
		"id":"st-9","user_id":"u2","checksum":"abc","file_name":"may.pdf","mime_type":"application/pdf",
		"blob_uri":"local://statements/u2/st-9.pdf","status":"processing",
		"items_observed":0,"items_inserted":0,"items_duplicate":0,"items_dropped":0,"failure_reason":"",
		"created_at":"2025-06-01T09:00:00+00:00","updated_at":"2025-06-01T09:00:00+00:00"}]`)

	cutoff := time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC)
	got, err := repo.ListProcessingStatements(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)
	assert.Equal(t, domain.StatementProcessing, got[0].Status)

	req := fake.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "eq.processing", req.Query.Get("status"))
	assert.Equal(t, "lt.2025-06-01T11:30:00Z", req.Query.Get("created_at"))
	assert.Empty(t, req.Query.Get("user_id"))
	assert.Equal(t, "created_at.asc.nullslast,id.asc.nullslast", req.Query.Get("order"))
}

func TestFinishStatementRejectsNonTerminal(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[]`)

	err := repo.FinishStatement(context.Background(), &domain.Statement{ID: "st-1", UserID: "u1", Status: domain.StatementProcessing})
	assert.Error(t, err)
	assert.Empty(t, fake.requests)
}

func TestInsertExpenseConflict(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusConflict,
		`{"code":"23505","message":"duplicate key value violates unique constraint \"expenses_user_id_line_hash_key\""}`)

	merchant := "ACME"
	e := &domain.Expense{
		ID:               "e-1",
		UserID:           "u1",
		StatementID:      "st-1",
		Date:             civil.Date{Year: 2025, Month: time.May, Day: 3},
		Description:      "ACME store",
		Merchant:         &merchant,
		CategoryName:     "Groceries",
		CategoryID:       "c-1",
		BaseAmount:       decimal.RequireFromString("12.50"),
		OriginalAmount:   decimal.RequireFromString("12.50"),
		OriginalCurrency: "GBP",
		DisplayCurrency:  "GBP",
		ContentHash:      "hash-1",
	}
	err := repo.InsertExpense(context.Background(), e)
	assert.ErrorIs(t, err, store.ErrConflict)

	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rest/v1/expenses", req.Path)

	var row map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &row))
	assert.Equal(t, "2025-05-03", row["date"])
	assert.Equal(t, "12.5", row["amount"])
	assert.Equal(t, "ACME", row["merchant"])
	assert.Equal(t, "hash-1", row["line_hash"])
}

func TestListExpensesDateRange(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[
		{"id":"e-2","user_id":"u1","statement_id":"st-1","date":"2025-05-03","description":"Tea",
		 "merchant":null,"category":"Groceries","category_id":"c-1","amount":3.2,"original_amount":3.2,
		 "original_currency":"GBP","currency":"GBP","line_hash":"h2","created_at":"2025-06-01T10:00:00Z"}]`)

	from := civil.Date{Year: 2025, Month: time.January, Day: 1}
	to := civil.Date{Year: 2025, Month: time.July, Day: 1}
	got, err := repo.ListExpenses(context.Background(), store.ExpenseQuery{UserID: "u1", From: from, To: to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Merchant)
	assert.True(t, decimal.RequireFromString("3.2").Equal(got[0].BaseAmount))
	assert.Equal(t, civil.Date{Year: 2025, Month: time.May, Day: 3}, got[0].Date)

	req := fake.last(t)
	assert.Equal(t, "(date.gte.2025-01-01,date.lt.2025-07-01)", req.Query.Get("and"))
	assert.Empty(t, req.Query.Get("date"))
	assert.Equal(t, "date.desc.nullslast,id.asc.nullslast", req.Query.Get("order"))
}

func TestListExpensesOpenEnded(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[]`)

	from := civil.Date{Year: 2025, Month: time.January, Day: 1}
	got, err := repo.ListExpenses(context.Background(), store.ExpenseQuery{UserID: "u1", From: from})
	require.NoError(t, err)
	assert.Empty(t, got)

	req := fake.last(t)
	assert.Equal(t, "gte.2025-01-01", req.Query.Get("date"))
	assert.Empty(t, req.Query.Get("and"))
}

func TestRecategorizeMerchantCountsRows(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[{"id":"e-1"},{"id":"e-2"}]`)

	n, err := repo.RecategorizeMerchant(context.Background(), "u1", "  acme ", "c-2", "Dining")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	req := fake.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "ilike.acme", req.Query.Get("merchant"))
}

func TestMerchantMappingsAreUpperCased(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusCreated, ``)

	m := &domain.MerchantMapping{ID: "m-1", UserID: "u1", MerchantName: "Acme", CategoryName: "Dining"}
	require.NoError(t, repo.CreateMerchantMapping(context.Background(), m))
	assert.Equal(t, "ACME", m.MerchantName)

	var row map[string]any
	require.NoError(t, json.Unmarshal(fake.last(t).Body, &row))
	assert.Equal(t, "ACME", row["merchant_name"])
	assert.Equal(t, "Dining", row["category"])
}

func TestDeleteMissingRowsReturnNotFound(t *testing.T) {
	repo, fake := newTestRepository(t, http.StatusOK, `[]`)

	assert.ErrorIs(t, repo.DeleteMerchantMapping(context.Background(), "u1", "acme"), store.ErrNotFound)
	assert.Equal(t, "eq.ACME", fake.last(t).Query.Get("merchant_name"))

	assert.ErrorIs(t, repo.DeleteExpense(context.Background(), "u1", "e-9"), store.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateExpenseCategory(context.Background(), "u1", "e-9", "c-1", "Groceries"), store.ErrNotFound)
}
