// Package livesync keeps a user's expense view current by merging a recent
// and a lazily opened historical window, each fed by change-feed snapshots.
package livesync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/dupes"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by methods called after Close.
var ErrClosed = errors.New("livesync: view closed")

// Source loads the rows of one window.
type Source interface {
	ListExpenses(ctx context.Context, q store.ExpenseQuery) ([]*domain.Expense, error)
}

// Snapshot is the filtered, ordered view at one point in time.
type Snapshot struct {
	Rows       []dupes.Flagged `json:"rows"`
	Duplicates int             `json:"duplicates"`
	Recent     WindowState     `json:"recent"`
	Historical WindowState     `json:"historical"`
}

// Change is the difference between the last delivered view and the current
// one, plus the current view itself. Several window updates that arrive
// before the consumer reads are folded into one Change.
type Change struct {
	Added   []dupes.Flagged `json:"added"`
	Updated []dupes.Flagged `json:"updated"`
	Removed []string        `json:"removed"`
	Snapshot
}

type window struct {
	query   store.ExpenseQuery
	sub     *changefeed.Subscription[*domain.Expense]
	updates <-chan changefeed.Update[*domain.Expense]
	rows    []*domain.Expense
	state   WindowState
}

// View is one consumer's live expense collection. All state is owned by a
// single goroutine; methods talk to it over channels.
type View struct {
	hub    *changefeed.Hub
	src    Source
	userID string
	cfg    Config
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	recent     window
	historical window
	filters    Filters
	delivered  map[string]dupes.Flagged
	dirty      bool

	cmds    chan func()
	changes chan Change
	done    chan struct{}
	once    sync.Once
}

// Open starts a view with the recent window subscribed. The first Change
// arrives once the recent window has loaded.
func Open(ctx context.Context, hub *changefeed.Hub, src Source, userID string, cfg Config, filters Filters, log zerolog.Logger) *View {
	ctx, cancel := context.WithCancel(ctx)
	recent, historical := cfg.Windows(userID)

	v := &View{
		hub:        hub,
		src:        src,
		userID:     userID,
		cfg:        cfg,
		log:        log.With().Str("user_id", userID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		recent:     window{query: recent},
		historical: window{query: historical},
		filters:    filters,
		delivered:  map[string]dupes.Flagged{},
		cmds:       make(chan func()),
		changes:    make(chan Change),
		done:       make(chan struct{}),
	}
	v.subscribe(&v.recent)
	go v.run()
	return v
}

// Changes returns the change channel. It is closed when the view closes.
func (v *View) Changes() <-chan Change {
	return v.changes
}

// LoadHistorical opens the historical window. It is a no-op when the window
// is already open.
func (v *View) LoadHistorical() error {
	return v.do(func() {
		if !v.historical.state.Open {
			v.subscribe(&v.historical)
			v.dirty = true
		}
	})
}

// SetFilters replaces the active filters without touching the windows.
func (v *View) SetFilters(f Filters) error {
	return v.do(func() {
		v.filters = f
		v.dirty = true
	})
}

// Refetch recomputes the window bounds and reopens every open window.
// Errors are cleared; the last good rows stay visible until the new
// snapshots arrive.
func (v *View) Refetch() error {
	return v.do(func() {
		v.rollBounds()
		v.reopen()
	})
}

// RollWindows moves the window bounds forward when the current date has
// changed since they were computed, reopening the open windows. It does
// nothing otherwise.
func (v *View) RollWindows() error {
	return v.do(func() {
		if v.rollBounds() {
			v.log.Debug().Str("recent_from", v.recent.query.From.String()).Msg("window bounds rolled")
			v.reopen()
		}
	})
}

func (v *View) rollBounds() bool {
	recent, historical := v.cfg.Windows(v.userID)
	if recent == v.recent.query && historical == v.historical.query {
		return false
	}
	v.recent.query = recent
	v.historical.query = historical
	return true
}

func (v *View) reopen() {
	v.resubscribe(&v.recent)
	if v.historical.state.Open {
		v.resubscribe(&v.historical)
	}
}

// State returns the current view, whether or not it has been delivered.
func (v *View) State() (Snapshot, error) {
	var snap Snapshot
	err := v.do(func() {
		snap = v.snapshot()
	})
	return snap, err
}

// Close stops both windows and waits until the view goroutine has exited.
func (v *View) Close() {
	v.once.Do(v.cancel)
	<-v.done
}

func (v *View) do(fn func()) error {
	if v.ctx.Err() != nil {
		return ErrClosed
	}
	reply := make(chan struct{})
	select {
	case v.cmds <- func() { fn(); close(reply) }:
	case <-v.done:
		return ErrClosed
	}
	<-reply
	return nil
}

func (v *View) run() {
	defer close(v.done)
	defer close(v.changes)
	defer func() {
		if v.recent.sub != nil {
			v.recent.sub.Close()
		}
		if v.historical.sub != nil {
			v.historical.sub.Close()
		}
	}()

	for {
		var (
			out     chan Change
			pending Change
		)
		if v.dirty {
			out = v.changes
			pending = v.pending()
		}

		select {
		case <-v.ctx.Done():
			return
		case fn := <-v.cmds:
			fn()
		case u, ok := <-v.recent.updates:
			v.apply(&v.recent, "recent", u, ok)
		case u, ok := <-v.historical.updates:
			v.apply(&v.historical, "historical", u, ok)
		case out <- pending:
			v.delivered = make(map[string]dupes.Flagged, len(pending.Rows))
			for _, r := range pending.Rows {
				v.delivered[r.ID] = r
			}
			v.dirty = false
		}
	}
}

func (v *View) subscribe(w *window) {
	q := w.query
	w.sub = changefeed.Subscribe(v.ctx, v.hub, v.userID, changefeed.TableExpenses,
		func(ctx context.Context) ([]*domain.Expense, error) {
			return v.src.ListExpenses(ctx, q)
		})
	w.updates = w.sub.Updates()
	w.state.Open = true
	w.state.Err = nil
}

func (v *View) resubscribe(w *window) {
	if w.sub != nil {
		w.sub.Close()
	}
	v.subscribe(w)
	v.dirty = true
}

func (v *View) apply(w *window, name string, u changefeed.Update[*domain.Expense], ok bool) {
	if !ok {
		w.updates = nil
		return
	}
	if u.Err != nil {
		v.log.Warn().Err(u.Err).Str("window", name).Msg("window subscription failed")
		w.state.Err = u.Err
		v.dirty = true
		return
	}
	w.rows = u.Rows
	w.state.Loaded = true
	w.state.Rows = len(u.Rows)
	v.dirty = true
}

// merged returns both windows as one slice ordered by date descending, then
// id. A row seen in both windows is kept once.
func (v *View) merged() []*domain.Expense {
	out := make([]*domain.Expense, 0, len(v.recent.rows)+len(v.historical.rows))
	seen := make(map[string]struct{}, cap(out))
	for _, rows := range [][]*domain.Expense{v.recent.rows, v.historical.rows} {
		for _, e := range rows {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *View) snapshot() Snapshot {
	flagged := dupes.Flag(v.merged())
	rows := make([]dupes.Flagged, 0, len(flagged))
	for _, r := range flagged {
		if v.filters.Match(r.Expense) {
			rows = append(rows, r)
		}
	}
	return Snapshot{
		Rows:       rows,
		Duplicates: dupes.Count(rows),
		Recent:     v.recent.state,
		Historical: v.historical.state,
	}
}

func (v *View) pending() Change {
	c := Change{Snapshot: v.snapshot()}
	current := make(map[string]struct{}, len(c.Rows))
	for _, r := range c.Rows {
		current[r.ID] = struct{}{}
		prev, ok := v.delivered[r.ID]
		switch {
		case !ok:
			c.Added = append(c.Added, r)
		case prev.IsDuplicate != r.IsDuplicate || !prev.SameContent(r.Expense):
			c.Updated = append(c.Updated, r)
		}
	}
	for id := range v.delivered {
		if _, ok := current[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}
	sort.Strings(c.Removed)
	return c
}
