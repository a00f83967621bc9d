package livesync

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/store"
)

const (
	DefaultRecentMonths     = 6
	DefaultHistoricalMonths = 12
)

// Config sizes the two windows. A view computes the bounds from Now when it
// opens and again on Refetch or RollWindows; between those calls they stay
// where they were.
type Config struct {
	RecentMonths     int
	HistoricalMonths int
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.RecentMonths <= 0 {
		c.RecentMonths = DefaultRecentMonths
	}
	if c.HistoricalMonths <= 0 {
		c.HistoricalMonths = DefaultHistoricalMonths
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Windows returns the recent and historical queries for a user. The recent
// window is open-ended; the historical window ends where the recent one
// starts, so no date falls into both.
func (c Config) Windows(userID string) (recent, historical store.ExpenseQuery) {
	c = c.withDefaults()
	now := c.Now()
	recentFrom := civil.DateOf(now.AddDate(0, -c.RecentMonths, 0))
	historicalFrom := civil.DateOf(now.AddDate(0, -(c.RecentMonths + c.HistoricalMonths), 0))

	recent = store.ExpenseQuery{UserID: userID, From: recentFrom}
	historical = store.ExpenseQuery{UserID: userID, From: historicalFrom, To: recentFrom}
	return recent, historical
}

// WindowState is what a consumer can observe about one window.
type WindowState struct {
	Open   bool  `json:"open"`
	Loaded bool  `json:"loaded"`
	Rows   int   `json:"rows"`
	Err    error `json:"-"`
}

// ErrText returns the window error text or "".
func (w WindowState) ErrText() string {
	if w.Err == nil {
		return ""
	}
	return w.Err.Error()
}

// MarshalJSON reports the window error as text.
func (w WindowState) MarshalJSON() ([]byte, error) {
	type plain WindowState
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(w), w.ErrText()})
}
