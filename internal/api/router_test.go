package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/blob"
	"github.com/dvloznov/finance-sync/internal/categories"
	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/infra/sqlite"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	"github.com/dvloznov/finance-sync/internal/livesync"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

const (
	testUser = "user-1"
	waitFor  = 3 * time.Second
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// MockPublisher records published jobs.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*jobs.IngestStatementJob
	Err       error
}

func (m *MockPublisher) PublishIngestStatement(ctx context.Context, job *jobs.IngestStatementJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	m.Published = append(m.Published, job)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

type RouterSuite struct {
	suite.Suite
	ctx       context.Context
	repo      *changefeed.PublishingRepository
	blobs     *blob.LocalStore
	publisher *MockPublisher
	jobs      *inmemory.Store
	router    http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	dir := s.T().TempDir()
	log := logger.NewWithWriter(io.Discard)

	db, err := sqlite.Open(filepath.Join(dir, "finance.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { db.Close() })

	blobs, err := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	s.Require().NoError(err)

	hub := changefeed.NewHub()
	s.ctx = context.Background()
	s.repo = changefeed.NewPublishingRepository(db, hub, log)
	s.blobs = blobs
	s.publisher = &MockPublisher{}
	s.jobs = inmemory.NewStore()

	resolver := categories.NewResolver(s.repo, s.repo, log)
	windows := livesync.Config{RecentMonths: 6, HistoricalMonths: 12, Now: func() time.Time { return fixedNow }}

	s.router = NewRouter(Handlers{
		Statements: handlers.NewStatementsHandler(s.repo, blobs, inmemory.NewRecorder(s.publisher, s.jobs), hub, log),
		Expenses:   handlers.NewExpensesHandler(s.repo, resolver, hub, windows, log),
		Mappings:   handlers.NewMappingsHandler(categories.NewMappingService(resolver, s.repo, s.repo), log),
		Categories: handlers.NewCategoriesHandler(s.repo, log),
		Jobs:       handlers.NewJobsHandler(s.jobs, s.repo, log),
	}, log)
}

func (s *RouterSuite) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(middleware.UserHeader, testUser)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *RouterSuite) doJSON(method, path string, payload any) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		s.Require().NoError(err)
		body = bytes.NewReader(data)
	}
	return s.do(method, path, body, "application/json")
}

func (s *RouterSuite) upload(fileName string, content []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	s.Require().NoError(err)
	_, err = fw.Write(content)
	s.Require().NoError(err)
	s.Require().NoError(mw.Close())
	return s.do(http.MethodPost, "/api/statements", &buf, mw.FormDataContentType())
}

func decode[T any](s *RouterSuite, rr *httptest.ResponseRecorder) T {
	var out T
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// seedExpense stores a statement, a category and one expense for testUser.
func (s *RouterSuite) seedExpense(date, merchant, amount string) *domain.Expense {
	st := &domain.Statement{
		ID:       uuid.NewString(),
		UserID:   testUser,
		Checksum: uuid.NewString(),
		FileName: "seed.pdf",
		Status:   domain.StatementProcessing,
	}
	s.Require().NoError(s.repo.CreateStatement(s.ctx, st))

	cat, err := s.repo.FindCategoryByName(s.ctx, testUser, "Groceries")
	if err != nil {
		cat = &domain.Category{ID: uuid.NewString(), UserID: testUser, Name: "Groceries"}
		s.Require().NoError(s.repo.CreateCategory(s.ctx, cat))
	}

	d, err := civil.ParseDate(date)
	s.Require().NoError(err)
	e := &domain.Expense{
		ID:               uuid.NewString(),
		UserID:           testUser,
		StatementID:      st.ID,
		Date:             d,
		Description:      merchant + " purchase",
		Merchant:         &merchant,
		CategoryName:     cat.Name,
		CategoryID:       cat.ID,
		BaseAmount:       decimal.RequireFromString(amount),
		OriginalAmount:   decimal.RequireFromString(amount),
		OriginalCurrency: "SGD",
		DisplayCurrency:  "SGD",
		ContentHash:      uuid.NewString(),
	}
	s.Require().NoError(s.repo.InsertExpense(s.ctx, e))
	return e
}

func (s *RouterSuite) TestHealthNeedsNoUser() {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Equal(http.StatusOK, rr.Code)
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func (s *RouterSuite) TestAPIRequiresUser() {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/statements", nil))
	s.Equal(http.StatusUnauthorized, rr.Code)
}

func (s *RouterSuite) TestCORSPreflight() {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/expenses/abc", nil))
	s.Equal(http.StatusNoContent, rr.Code)
	s.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func (s *RouterSuite) TestUploadQueuesStatement() {
	content := []byte("%PDF-1.4 june statement")
	rr := s.upload("June.PDF", content)
	s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())

	resp := decode[map[string]string](s, rr)
	s.Equal("processing", resp["status"])
	s.NotEmpty(resp["job_id"])

	st, err := s.repo.GetStatement(s.ctx, testUser, resp["statement_id"])
	s.Require().NoError(err)
	s.Equal(domain.StatementProcessing, st.Status)
	s.Equal("June.PDF", st.FileName)
	s.Equal(handlers.Checksum(content), st.Checksum)

	stored, err := s.blobs.Get(s.ctx, st.BlobURI)
	s.Require().NoError(err)
	s.Equal(content, stored)
	s.True(strings.HasSuffix(st.BlobURI, st.ID+".pdf"))

	s.Require().Len(s.publisher.Published, 1)
	s.Equal(st.ID, s.publisher.Published[0].StatementID)
	s.Equal(testUser, s.publisher.Published[0].UserID)
}

func (s *RouterSuite) TestUploadRejectsDuplicateFileUnlessFailed() {
	content := []byte("%PDF-1.4 same bytes")
	first := decode[map[string]string](s, s.upload("a.pdf", content))

	rr := s.upload("b.pdf", content)
	s.Equal(http.StatusConflict, rr.Code)
	s.Equal(first["statement_id"], decode[map[string]string](s, rr)["statement_id"])

	st, err := s.repo.GetStatement(s.ctx, testUser, first["statement_id"])
	s.Require().NoError(err)
	st.Status = domain.StatementFailed
	st.FailureReason = "extraction failed"
	s.Require().NoError(s.repo.FinishStatement(s.ctx, st))

	s.Equal(http.StatusAccepted, s.upload("b.pdf", content).Code, "a failed statement can be retried")
}

func (s *RouterSuite) TestUploadValidation() {
	rr := s.do(http.MethodPost, "/api/statements", strings.NewReader("nope"), "text/plain")
	s.Equal(http.StatusBadRequest, rr.Code)

	rr = s.upload("empty.pdf", nil)
	s.Equal(http.StatusBadRequest, rr.Code)
	s.Empty(s.publisher.Published)
}

func (s *RouterSuite) TestUploadFailsStatementWhenQueueIsDown() {
	s.publisher.Err = errors.New("broker unavailable")

	rr := s.upload("july.pdf", []byte("%PDF-1.4 july"))
	s.Equal(http.StatusServiceUnavailable, rr.Code)

	list, err := s.repo.ListStatements(s.ctx, testUser)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(domain.StatementFailed, list[0].Status)
	s.Contains(list[0].FailureReason, "broker unavailable")
}

func (s *RouterSuite) TestGetAndListStatements() {
	resp := decode[map[string]string](s, s.upload("a.pdf", []byte("%PDF a")))

	rr := s.do(http.MethodGet, "/api/statements/"+resp["statement_id"], nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(resp["statement_id"], decode[domain.Statement](s, rr).ID)

	rr = s.do(http.MethodGet, "/api/statements", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.EqualValues(1, decode[map[string]any](s, rr)["count"])

	req := httptest.NewRequest(http.MethodGet, "/api/statements/"+resp["statement_id"], nil)
	req.Header.Set(middleware.UserHeader, "someone-else")
	other := httptest.NewRecorder()
	s.router.ServeHTTP(other, req)
	s.Equal(http.StatusNotFound, other.Code)
}

func (s *RouterSuite) TestJobStatusFollowsStatement() {
	resp := decode[map[string]string](s, s.upload("a.pdf", []byte("%PDF a")))
	jobID := resp["job_id"]

	rr := s.do(http.MethodGet, "/api/jobs/"+jobID, nil, "")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	job := decode[jobs.IngestStatementJob](s, rr)
	s.Equal(jobs.JobStatusPending, job.Status)
	s.Equal(resp["statement_id"], job.StatementID)

	st, err := s.repo.GetStatement(s.ctx, testUser, resp["statement_id"])
	s.Require().NoError(err)
	st.Status = domain.StatementFailed
	st.FailureReason = "extraction produced no transactions"
	s.Require().NoError(s.repo.FinishStatement(s.ctx, st))

	job = decode[jobs.IngestStatementJob](s, s.do(http.MethodGet, "/api/jobs/"+jobID, nil, ""))
	s.Equal(jobs.JobStatusFailed, job.Status)
	s.Equal("extraction produced no transactions", job.Error)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID, nil)
	req.Header.Set(middleware.UserHeader, "someone-else")
	other := httptest.NewRecorder()
	s.router.ServeHTTP(other, req)
	s.Equal(http.StatusNotFound, other.Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/jobs/missing", nil, "").Code)
}

func (s *RouterSuite) TestListJobs() {
	first := decode[map[string]string](s, s.upload("a.pdf", []byte("%PDF a")))
	second := decode[map[string]string](s, s.upload("b.pdf", []byte("%PDF b")))

	st, err := s.repo.GetStatement(s.ctx, testUser, first["statement_id"])
	s.Require().NoError(err)
	st.Status = domain.StatementCompleted
	st.ItemsObserved, st.ItemsInserted = 1, 1
	s.Require().NoError(s.repo.FinishStatement(s.ctx, st))

	type jobList struct {
		Jobs  []jobs.IngestStatementJob `json:"jobs"`
		Count int                       `json:"count"`
	}

	rr := s.do(http.MethodGet, "/api/jobs", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(2, decode[jobList](s, rr).Count)

	pending := decode[jobList](s, s.do(http.MethodGet, "/api/jobs?status=pending", nil, ""))
	s.Require().Len(pending.Jobs, 1)
	s.Equal(second["job_id"], pending.Jobs[0].JobID)

	completed := decode[jobList](s, s.do(http.MethodGet, "/api/jobs?status=completed", nil, ""))
	s.Require().Len(completed.Jobs, 1)
	s.Equal(first["job_id"], completed.Jobs[0].JobID)

	byStatement := decode[jobList](s, s.do(http.MethodGet, "/api/jobs?statement_id="+second["statement_id"], nil, ""))
	s.Require().Len(byStatement.Jobs, 1)
	s.Equal(second["job_id"], byStatement.Jobs[0].JobID)

	s.Len(decode[jobList](s, s.do(http.MethodGet, "/api/jobs?limit=1&offset=1", nil, "")).Jobs, 1)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/jobs?status=done", nil, "").Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/jobs?offset=-1", nil, "").Code)
}

func (s *RouterSuite) TestUpdateExpenseCategory() {
	e := s.seedExpense("2025-05-01", "Cafe", "4.50")

	rr := s.doJSON(http.MethodPatch, "/api/expenses/"+e.ID, map[string]string{"category": "Dining"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Equal("Dining", decode[map[string]string](s, rr)["category"])

	rows, err := s.repo.ListExpenses(s.ctx, store.ExpenseQuery{UserID: testUser})
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("Dining", rows[0].CategoryName)

	s.Equal(http.StatusNotFound, s.doJSON(http.MethodPatch, "/api/expenses/missing", map[string]string{"category": "Dining"}).Code)
	s.Equal(http.StatusBadRequest, s.doJSON(http.MethodPatch, "/api/expenses/"+e.ID, map[string]string{}).Code)
}

func (s *RouterSuite) TestDeleteExpense() {
	e := s.seedExpense("2025-05-01", "Cafe", "4.50")

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/api/expenses/"+e.ID, nil, "").Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/api/expenses/"+e.ID, nil, "").Code)
}

func (s *RouterSuite) TestMerchantMappings() {
	s.seedExpense("2025-05-01", "Acme", "10.00")

	rr := s.doJSON(http.MethodPost, "/api/merchant-mappings", map[string]any{"merchant": "acme", "category": "Shopping", "apply": true})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[map[string]any](s, rr)
	s.Equal(true, resp["created"])
	s.EqualValues(1, resp["applied"])

	rr = s.doJSON(http.MethodPost, "/api/merchant-mappings", map[string]any{"merchant": "ACME", "category": "Travel"})
	s.Equal(http.StatusOK, rr.Code)
	s.Equal(false, decode[map[string]any](s, rr)["created"])

	rr = s.do(http.MethodGet, "/api/merchant-mappings", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	list := decode[struct {
		Mappings []domain.MerchantMapping `json:"mappings"`
	}](s, rr)
	s.Require().Len(list.Mappings, 1)
	s.Equal("ACME", list.Mappings[0].MerchantName)
	s.Equal("Shopping", list.Mappings[0].CategoryName)

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/api/merchant-mappings/acme", nil, "").Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/api/merchant-mappings/acme", nil, "").Code)
	s.Equal(http.StatusBadRequest, s.doJSON(http.MethodPost, "/api/merchant-mappings", map[string]any{"merchant": "x"}).Code)
}

func (s *RouterSuite) TestListCategories() {
	s.seedExpense("2025-05-01", "Cafe", "4.50")

	rr := s.do(http.MethodGet, "/api/categories", nil, "")
	s.Require().Equal(http.StatusOK, rr.Code)
	s.EqualValues(1, decode[map[string]any](s, rr)["count"])
}

func (s *RouterSuite) TestExpenseStreamRejectsBadParams() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/expenses/stream?months=0", nil, "").Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/expenses/stream?from=june", nil, "").Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/expenses/stream?min=abc", nil, "").Code)
}

func (s *RouterSuite) TestExpenseStreamReportsClosedView() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/expenses/stream?historical=true", nil).WithContext(ctx)
	req.Header.Set(middleware.UserHeader, testUser)
	rr := httptest.NewRecorder()

	s.router.ServeHTTP(rr, req)

	s.Equal(http.StatusServiceUnavailable, rr.Code)
	s.Contains(rr.Body.String(), "unavailable")
}

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Name string
	Data []byte
}

// openStream connects to an event stream and decodes events in the
// background. Comments are skipped.
func (s *RouterSuite) openStream(path string) <-chan sseEvent {
	srv := httptest.NewServer(s.router)
	s.T().Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	s.T().Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	s.Require().NoError(err)
	req.Header.Set(middleware.UserHeader, testUser)

	resp, err := srv.Client().Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { resp.Body.Close() })
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = []byte(strings.TrimPrefix(line, "data: "))
			case line == "" && ev.Name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return events
}

func (s *RouterSuite) nextEvent(events <-chan sseEvent) sseEvent {
	select {
	case ev, ok := <-events:
		s.Require().True(ok, "stream closed")
		return ev
	case <-time.After(waitFor):
		s.FailNow("timed out waiting for event")
		return sseEvent{}
	}
}

type changePayload struct {
	Added []struct {
		ID          string `json:"id"`
		IsDuplicate bool   `json:"is_duplicate"`
	} `json:"added"`
	Removed []string `json:"removed"`
	Rows    []struct {
		ID          string `json:"id"`
		IsDuplicate bool   `json:"is_duplicate"`
	} `json:"rows"`
	Duplicates int `json:"duplicates"`
	Recent     struct {
		Loaded bool `json:"loaded"`
	} `json:"recent"`
}

func (s *RouterSuite) TestExpenseStreamSendsLiveChanges() {
	first := s.seedExpense("2025-05-01", "Acme", "10.00")
	s.seedExpense("2024-01-01", "Old", "1.00")

	events := s.openStream("/api/expenses/stream")

	var initial changePayload
	for !initial.Recent.Loaded {
		ev := s.nextEvent(events)
		s.Equal("change", ev.Name)
		s.Require().NoError(json.Unmarshal(ev.Data, &initial))
	}
	s.Require().Len(initial.Rows, 1, "only the recent window is open")
	s.Equal(first.ID, initial.Rows[0].ID)

	dup := s.seedExpense("2025-05-01", "ACME", "10.004")

	var change changePayload
	for len(change.Added) == 0 {
		s.Require().NoError(json.Unmarshal(s.nextEvent(events).Data, &change))
	}
	s.Require().Len(change.Added, 1)
	s.Equal(dup.ID, change.Added[0].ID)
	s.Equal(1, change.Duplicates)

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/api/expenses/"+dup.ID, nil, "").Code)

	var removal changePayload
	for len(removal.Removed) == 0 {
		s.Require().NoError(json.Unmarshal(s.nextEvent(events).Data, &removal))
	}
	s.Equal([]string{dup.ID}, removal.Removed)
	s.Equal(0, removal.Duplicates)
}

func (s *RouterSuite) TestExpenseStreamAppliesQueryFilters() {
	s.seedExpense("2025-05-01", "Acme", "10.00")
	cafe := s.seedExpense("2025-05-02", "Cafe", "4.50")
	old := s.seedExpense("2024-01-01", "Cafe", "3.00")

	events := s.openStream("/api/expenses/stream?historical=true&merchant=cafe")

	var got changePayload
	for len(got.Rows) < 2 {
		s.Require().NoError(json.Unmarshal(s.nextEvent(events).Data, &got))
	}
	s.Require().Len(got.Rows, 2)
	s.Equal(cafe.ID, got.Rows[0].ID)
	s.Equal(old.ID, got.Rows[1].ID)
}

func (s *RouterSuite) TestStatementStreamFollowsStatus() {
	events := s.openStream("/api/statements/stream")

	ev := s.nextEvent(events)
	s.Equal("statements", ev.Name)
	s.JSONEq(`[]`, string(ev.Data))

	resp := decode[map[string]string](s, s.upload("a.pdf", []byte("%PDF a")))

	var rows []domain.Statement
	for len(rows) == 0 {
		s.Require().NoError(json.Unmarshal(s.nextEvent(events).Data, &rows))
	}
	s.Equal(resp["statement_id"], rows[0].ID)
	s.Equal(domain.StatementProcessing, rows[0].Status)

	st, err := s.repo.GetStatement(s.ctx, testUser, rows[0].ID)
	s.Require().NoError(err)
	st.Status = domain.StatementCompleted
	st.ItemsObserved, st.ItemsInserted = 3, 3
	s.Require().NoError(s.repo.FinishStatement(s.ctx, st))

	for rows[0].Status != domain.StatementCompleted {
		s.Require().NoError(json.Unmarshal(s.nextEvent(events).Data, &rows))
	}
	s.Equal(3, rows[0].ItemsInserted)
}
