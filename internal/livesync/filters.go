package livesync

import (
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// Filters narrow the merged view. They are applied after merging, so
// changing them never reopens a window. Zero values match everything.
type Filters struct {
	// From and To are inclusive.
	From civil.Date
	To   civil.Date

	// Categories and Merchants match case-insensitively.
	Categories []string
	Merchants  []string

	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal

	// Search is a case-insensitive substring of description or merchant.
	Search string
}

// Match reports whether an expense passes every active filter.
func (f Filters) Match(e *domain.Expense) bool {
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To) {
		return false
	}
	if len(f.Categories) > 0 && !containsFold(f.Categories, e.CategoryName) {
		return false
	}
	if len(f.Merchants) > 0 && !containsFold(f.Merchants, strings.TrimSpace(e.MerchantName())) {
		return false
	}
	if f.MinAmount != nil && e.BaseAmount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && e.BaseAmount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(e.Description), q) &&
			!strings.Contains(strings.ToLower(e.MerchantName()), q) {
			return false
		}
	}
	return true
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
