// Package changefeed delivers row-level change events to live subscribers
// and turns them into full-snapshot re-fetches.
package changefeed

import (
	"context"
	"sync"
	"time"
)

// Table names a change-feed source.
type Table string

const (
	TableStatements       Table = "statements"
	TableExpenses         Table = "expenses"
	TableCategories       Table = "categories"
	TableMerchantMappings Table = "merchant_mappings"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event describes one committed change. RowID is empty for bulk updates.
type Event struct {
	Table  Table     `json:"table"`
	Op     Op        `json:"op"`
	UserID string    `json:"user_id"`
	RowID  string    `json:"row_id,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher accepts change events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type key struct {
	userID string
	table  Table
}

// Hub fans events out to in-process listeners. Signals coalesce: a burst
// of events while a listener is busy leaves exactly one pending signal.
type Hub struct {
	mu        sync.Mutex
	listeners map[key]map[chan struct{}]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[key]map[chan struct{}]struct{})}
}

// Publish signals every listener for the event's user and table. It never
// blocks.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.listeners[key{ev.UserID, ev.Table}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Listen registers a listener and returns its signal channel and a
// function that unregisters it.
func (h *Hub) Listen(userID string, table Table) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	k := key{userID, table}

	h.mu.Lock()
	if h.listeners[k] == nil {
		h.listeners[k] = make(map[chan struct{}]struct{})
	}
	h.listeners[k][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners[k], ch)
			if len(h.listeners[k]) == 0 {
				delete(h.listeners, k)
			}
		})
	}
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.listeners {
		n += len(set)
	}
	return n
}
