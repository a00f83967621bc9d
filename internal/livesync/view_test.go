package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/infra/sqlite"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var (
	fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	testCfg  = Config{RecentMonths: 6, HistoricalMonths: 12, Now: func() time.Time { return fixedNow }}
)

// memSource hands out fresh copies on every fetch, like a real datastore.
type memSource struct {
	mu    sync.Mutex
	rows  map[string]domain.Expense
	fail  func(q store.ExpenseQuery) error
	calls int
}

func newMemSource() *memSource {
	return &memSource{rows: map[string]domain.Expense{}}
}

func (m *memSource) ListExpenses(ctx context.Context, q store.ExpenseQuery) ([]*domain.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		if err := m.fail(q); err != nil {
			return nil, err
		}
	}
	var out []*domain.Expense
	for _, e := range m.rows {
		if e.UserID == q.UserID && q.Matches(e.Date) {
			c := e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memSource) put(e domain.Expense) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.ID] = e
}

func (m *memSource) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
}

func (m *memSource) setFail(fn func(q store.ExpenseQuery) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *memSource) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func row(id, date, merchant, category, amount string) domain.Expense {
	d, err := civil.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return domain.Expense{
		ID:           id,
		UserID:       "u1",
		Date:         d,
		Description:  merchant + " purchase",
		Merchant:     &merchant,
		CategoryName: category,
		BaseAmount:   decimal.RequireFromString(amount),
	}
}

func viewIDs(s Snapshot) []string {
	out := make([]string, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.ID
	}
	return out
}

// waitChange reads changes until one satisfies cond.
func waitChange(t *testing.T, v *View, cond func(Change) bool) Change {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case c, ok := <-v.Changes():
			require.True(t, ok, "view closed")
			if cond(c) {
				return c
			}
		case <-deadline:
			t.Fatal("timed out waiting for change")
			return Change{}
		}
	}
}

func recentLoaded(c Change) bool     { return c.Recent.Loaded }
func historicalLoaded(c Change) bool { return c.Historical.Loaded }

func publish(t *testing.T, hub *changefeed.Hub, op changefeed.Op) {
	t.Helper()
	require.NoError(t, hub.Publish(context.Background(), changefeed.Event{
		Table:  changefeed.TableExpenses,
		Op:     op,
		UserID: "u1",
	}))
}

func openView(t *testing.T, src Source, hub *changefeed.Hub, f Filters) *View {
	t.Helper()
	v := Open(context.Background(), hub, src, "u1", testCfg, f, logger.NewWithWriter(io.Discard))
	t.Cleanup(v.Close)
	return v
}

func TestConfigWindows(t *testing.T) {
	recent, historical := testCfg.Windows("u1")

	assert.Equal(t, civil.Date{Year: 2024, Month: 12, Day: 15}, recent.From)
	assert.True(t, recent.To.IsZero())
	assert.Equal(t, civil.Date{Year: 2023, Month: 12, Day: 15}, historical.From)
	assert.Equal(t, recent.From, historical.To)
	assert.Equal(t, "u1", historical.UserID)

	d := civil.Date{Year: 2024, Month: 12, Day: 15}
	assert.True(t, recent.Matches(d))
	assert.False(t, historical.Matches(d))
}

func TestWindowStateJSON(t *testing.T) {
	data, err := json.Marshal(WindowState{Open: true, Loaded: true, Rows: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":true,"loaded":true,"rows":2}`, string(data))

	data, err = json.Marshal(WindowState{Open: true, Err: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":true,"loaded":false,"rows":0,"error":"boom"}`, string(data))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Now: func() time.Time { return fixedNow }}
	recent, historical := cfg.Windows("u1")

	assert.Equal(t, civil.Date{Year: 2024, Month: 12, Day: 15}, recent.From)
	assert.Equal(t, civil.Date{Year: 2023, Month: 12, Day: 15}, historical.From)
}

func TestViewMergesWindowsByDateDescending(t *testing.T) {
	src := newMemSource()
	src.put(row("b", "2025-05-01", "Grab", "Transport", "12"))
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "3"))
	src.put(row("c", "2025-06-10", "Acme", "Shopping", "4"))
	src.put(row("old", "2024-03-01", "Acme", "Shopping", "5"))
	src.put(row("older", "2024-01-20", "Acme", "Shopping", "6"))
	src.put(row("ancient", "2022-01-01", "Acme", "Shopping", "7"))
	hub := changefeed.NewHub()

	v := openView(t, src, hub, Filters{})

	c := waitChange(t, v, recentLoaded)
	assert.Equal(t, []string{"c", "a", "b"}, viewIDs(c.Snapshot))
	assert.False(t, c.Historical.Open)

	require.NoError(t, v.LoadHistorical())
	c = waitChange(t, v, historicalLoaded)

	assert.Equal(t, []string{"c", "a", "b", "old", "older"}, viewIDs(c.Snapshot))
	assert.Len(t, c.Added, 2)
	assert.Empty(t, c.Removed)
	assert.Equal(t, 3, c.Recent.Rows)
	assert.Equal(t, 2, c.Historical.Rows)

	seen := map[string]bool{}
	for i, r := range c.Rows {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
		if i > 0 {
			assert.False(t, r.Date.After(c.Rows[i-1].Date))
		}
	}

	require.NoError(t, v.LoadHistorical())
	snap, err := v.State()
	require.NoError(t, err)
	assert.Len(t, snap.Rows, 5)
}

func TestViewEmitsDiffsForLiveChanges(t *testing.T) {
	src := newMemSource()
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "3"))
	src.put(row("b", "2025-05-02", "Grab", "Transport", "12"))
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})
	waitChange(t, v, recentLoaded)

	src.put(row("c", "2025-05-03", "Kopi", "Food", "2"))
	publish(t, hub, changefeed.OpInsert)
	c := waitChange(t, v, func(c Change) bool { return len(c.Added) > 0 })
	require.Len(t, c.Added, 1)
	assert.Equal(t, "c", c.Added[0].ID)
	assert.Empty(t, c.Updated)

	src.put(row("a", "2025-05-01", "Acme", "Bills", "3"))
	publish(t, hub, changefeed.OpUpdate)
	c = waitChange(t, v, func(c Change) bool { return len(c.Updated) > 0 })
	require.Len(t, c.Updated, 1)
	assert.Equal(t, "Bills", c.Updated[0].CategoryName)

	src.remove("b")
	publish(t, hub, changefeed.OpDelete)
	c = waitChange(t, v, func(c Change) bool { return len(c.Removed) > 0 })
	assert.Equal(t, []string{"b"}, c.Removed)
	assert.Equal(t, []string{"c", "a"}, viewIDs(c.Snapshot))
}

func TestViewRecomputesDuplicateFlags(t *testing.T) {
	src := newMemSource()
	src.put(row("a", "2025-05-01", "ACME", "Shopping", "10"))
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})
	waitChange(t, v, recentLoaded)

	src.put(row("b", "2025-05-01", "acme", "Shopping", "10.004"))
	publish(t, hub, changefeed.OpInsert)
	c := waitChange(t, v, func(c Change) bool { return c.Duplicates == 1 })
	assert.Equal(t, []string{"a", "b"}, viewIDs(c.Snapshot))
	assert.True(t, c.Rows[1].IsDuplicate)

	src.remove("a")
	publish(t, hub, changefeed.OpDelete)
	c = waitChange(t, v, func(c Change) bool { return len(c.Removed) > 0 })
	assert.Zero(t, c.Duplicates)
	require.Len(t, c.Updated, 1)
	assert.Equal(t, "b", c.Updated[0].ID)
	assert.False(t, c.Updated[0].IsDuplicate)
}

func TestViewFlagsTheLaterArrival(t *testing.T) {
	src := newMemSource()
	first := row("b-first", "2025-05-01", "ACME", "Shopping", "10")
	first.CreatedAt = time.Date(2025, 5, 2, 11, 0, 0, 0, time.UTC)
	later := row("a-later", "2025-05-01", "acme", "Shopping", "10.004")
	later.CreatedAt = first.CreatedAt.Add(time.Hour)
	src.put(first)
	src.put(later)
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})

	c := waitChange(t, v, recentLoaded)

	assert.Equal(t, []string{"a-later", "b-first"}, viewIDs(c.Snapshot))
	assert.True(t, c.Rows[0].IsDuplicate)
	assert.False(t, c.Rows[1].IsDuplicate)
	assert.Equal(t, 1, c.Duplicates)
}

func TestViewFiltersDoNotRefetch(t *testing.T) {
	src := newMemSource()
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "3"))
	src.put(row("b", "2025-05-02", "Grab", "Transport", "12"))
	src.put(row("c", "2025-05-03", "Kopi", "Food", "2"))
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})
	waitChange(t, v, recentLoaded)
	before := src.fetches()

	require.NoError(t, v.SetFilters(Filters{Categories: []string{"transport", "food"}}))
	c := waitChange(t, v, func(c Change) bool { return len(c.Removed) > 0 })
	assert.Equal(t, []string{"a"}, c.Removed)
	assert.Equal(t, []string{"c", "b"}, viewIDs(c.Snapshot))

	require.NoError(t, v.SetFilters(Filters{}))
	c = waitChange(t, v, func(c Change) bool { return len(c.Added) > 0 })
	assert.Equal(t, "a", c.Added[0].ID)

	assert.Equal(t, before, src.fetches())
}

func TestViewWindowErrorIsIsolated(t *testing.T) {
	src := newMemSource()
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "3"))
	src.put(row("old", "2024-03-01", "Acme", "Shopping", "5"))
	historicalErr := errors.New("statement timeout")
	src.setFail(func(q store.ExpenseQuery) error {
		if !q.To.IsZero() {
			return historicalErr
		}
		return nil
	})
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})
	waitChange(t, v, recentLoaded)

	require.NoError(t, v.LoadHistorical())
	c := waitChange(t, v, func(c Change) bool { return c.Historical.Err != nil })
	assert.ErrorIs(t, c.Historical.Err, historicalErr)
	assert.NoError(t, c.Recent.Err)
	assert.Equal(t, []string{"a"}, viewIDs(c.Snapshot))

	src.put(row("b", "2025-05-02", "Grab", "Transport", "12"))
	publish(t, hub, changefeed.OpInsert)
	c = waitChange(t, v, func(c Change) bool { return len(c.Added) > 0 })
	assert.Equal(t, []string{"b", "a"}, viewIDs(c.Snapshot))
	assert.Error(t, c.Historical.Err)

	src.setFail(nil)
	require.NoError(t, v.Refetch())
	c = waitChange(t, v, historicalLoaded)
	assert.NoError(t, c.Historical.Err)
	assert.Equal(t, []string{"b", "a", "old"}, viewIDs(c.Snapshot))
}

func TestViewKeepsRowsAfterRecentFailure(t *testing.T) {
	src := newMemSource()
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "3"))
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})
	waitChange(t, v, recentLoaded)

	src.setFail(func(store.ExpenseQuery) error { return errors.New("connection reset") })
	publish(t, hub, changefeed.OpInsert)
	c := waitChange(t, v, func(c Change) bool { return c.Recent.Err != nil })
	assert.Equal(t, "connection reset", c.Recent.ErrText())
	assert.Equal(t, []string{"a"}, viewIDs(c.Snapshot))

	fetches := src.fetches()
	publish(t, hub, changefeed.OpInsert)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fetches, src.fetches(), "failed window must not retry on its own")
}

func TestViewClose(t *testing.T) {
	src := newMemSource()
	hub := changefeed.NewHub()
	v := Open(context.Background(), hub, src, "u1", testCfg, Filters{}, logger.NewWithWriter(io.Discard))
	require.NoError(t, v.LoadHistorical())
	assert.Equal(t, 2, hub.Listeners())

	v.Close()
	v.Close()

	assert.Equal(t, 0, hub.Listeners())
	_, ok := <-v.Changes()
	assert.False(t, ok)
	assert.ErrorIs(t, v.LoadHistorical(), ErrClosed)
	assert.ErrorIs(t, v.SetFilters(Filters{}), ErrClosed)
	assert.ErrorIs(t, v.Refetch(), ErrClosed)
	_, err := v.State()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestViewOpenedOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := Open(ctx, changefeed.NewHub(), newMemSource(), "u1", testCfg, Filters{}, logger.NewWithWriter(io.Discard))
	defer v.Close()

	assert.ErrorIs(t, v.LoadHistorical(), ErrClosed)
}

func TestViewRollsWindowsWithTheDate(t *testing.T) {
	var (
		mu  sync.Mutex
		now = fixedNow
	)
	cfg := testCfg
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	src := newMemSource()
	src.put(row("edge", "2024-12-15", "Acme", "Shopping", "3"))
	src.put(row("a", "2025-05-01", "Acme", "Shopping", "4"))
	v := Open(context.Background(), changefeed.NewHub(), src, "u1", cfg, Filters{}, logger.NewWithWriter(io.Discard))
	t.Cleanup(v.Close)

	c := waitChange(t, v, recentLoaded)
	assert.Equal(t, []string{"a", "edge"}, viewIDs(c.Snapshot))

	fetches := src.fetches()
	require.NoError(t, v.RollWindows())
	_, err := v.State()
	require.NoError(t, err)
	assert.Equal(t, fetches, src.fetches(), "same day keeps the windows")

	mu.Lock()
	now = now.AddDate(0, 0, 1)
	mu.Unlock()

	require.NoError(t, v.RollWindows())
	c = waitChange(t, v, func(c Change) bool { return len(c.Removed) > 0 })
	assert.Equal(t, []string{"edge"}, c.Removed)
	assert.Equal(t, []string{"a"}, viewIDs(c.Snapshot))

	require.NoError(t, v.LoadHistorical())
	c = waitChange(t, v, historicalLoaded)
	assert.Equal(t, []string{"a", "edge"}, viewIDs(c.Snapshot))
}

func TestViewIsUserScoped(t *testing.T) {
	src := newMemSource()
	mine := row("a", "2025-05-01", "Acme", "Shopping", "3")
	theirs := row("b", "2025-05-01", "Acme", "Shopping", "3")
	theirs.UserID = "u2"
	src.put(mine)
	src.put(theirs)
	hub := changefeed.NewHub()
	v := openView(t, src, hub, Filters{})

	c := waitChange(t, v, recentLoaded)

	assert.Equal(t, []string{"a"}, viewIDs(c.Snapshot))
}

func TestViewOverPublishingRepository(t *testing.T) {
	base, err := sqlite.Open(filepath.Join(t.TempDir(), "finance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	hub := changefeed.NewHub()
	repo := changefeed.NewPublishingRepository(base, hub, logger.NewWithWriter(io.Discard))
	ctx := context.Background()

	st := &domain.Statement{ID: uuid.NewString(), UserID: "u1", Checksum: "c", FileName: "a.pdf", MIMEType: "application/pdf", Status: domain.StatementProcessing}
	require.NoError(t, repo.CreateStatement(ctx, st))
	cat := &domain.Category{ID: uuid.NewString(), UserID: "u1", Name: "Food"}
	require.NoError(t, repo.CreateCategory(ctx, cat))

	v := openView(t, repo, hub, Filters{})
	c := waitChange(t, v, recentLoaded)
	assert.Empty(t, c.Rows)

	e := row(uuid.NewString(), "2025-06-01", "Kopi", "Food", "2.5")
	e.StatementID = st.ID
	e.CategoryID = cat.ID
	e.OriginalAmount = e.BaseAmount
	e.OriginalCurrency = "SGD"
	e.DisplayCurrency = "SGD"
	e.ContentHash = "h1"
	require.NoError(t, repo.InsertExpense(ctx, &e))

	c = waitChange(t, v, func(c Change) bool { return len(c.Added) == 1 })
	assert.Equal(t, e.ID, c.Added[0].ID)

	require.NoError(t, repo.DeleteExpense(ctx, "u1", e.ID))
	c = waitChange(t, v, func(c Change) bool { return len(c.Removed) == 1 })
	assert.Equal(t, []string{e.ID}, c.Removed)
}
