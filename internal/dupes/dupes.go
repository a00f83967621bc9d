// Package dupes flags likely duplicate expenses for presentation. Flags are
// never stored; they are recomputed from the current row set.
package dupes

import (
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// Epsilon is the largest amount difference still treated as equal.
var Epsilon = decimal.RequireFromString("0.01")

// Flagged is an expense plus its presentation-only duplicate flag.
type Flagged struct {
	*domain.Expense
	IsDuplicate bool `json:"is_duplicate"`
}

type groupKey struct {
	date     civil.Date
	merchant string
}

func keyOf(e *domain.Expense) groupKey {
	return groupKey{date: e.Date, merchant: strings.ToLower(strings.TrimSpace(e.MerchantName()))}
}

// Flag marks every expense that arrived after a matching one: same date,
// same merchant ignoring case and surrounding space, and base amounts closer
// than Epsilon. Arrival is CreatedAt order, ties keeping slice order, so the
// earliest stored row of a matching set stays unflagged however the slice is
// sorted. The result is in slice order.
func Flag(expenses []*domain.Expense) []Flagged {
	arrival := make([]int, len(expenses))
	for i := range arrival {
		arrival[i] = i
	}
	sort.SliceStable(arrival, func(a, b int) bool {
		return expenses[arrival[a]].CreatedAt.Before(expenses[arrival[b]].CreatedAt)
	})

	out := make([]Flagged, len(expenses))
	seen := make(map[groupKey][]*domain.Expense)
	for _, i := range arrival {
		e := expenses[i]
		k := keyOf(e)
		dup := false
		for _, prev := range seen[k] {
			if prev.ID != e.ID && e.BaseAmount.Sub(prev.BaseAmount).Abs().LessThan(Epsilon) {
				dup = true
				break
			}
		}
		seen[k] = append(seen[k], e)
		out[i] = Flagged{Expense: e, IsDuplicate: dup}
	}
	return out
}

// Count returns how many rows are flagged.
func Count(rows []Flagged) int {
	n := 0
	for _, r := range rows {
		if r.IsDuplicate {
			n++
		}
	}
	return n
}
