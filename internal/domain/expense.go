package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Expense is one normalized transaction derived from a statement.
type Expense struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	StatementID string     `json:"statement_id"`
	Date        civil.Date `json:"date"`
	Description string     `json:"description"`
	Merchant    *string    `json:"merchant"`

	CategoryName string `json:"category"`
	CategoryID   string `json:"category_id"`

	// BaseAmount is in the base currency; OriginalAmount in OriginalCurrency.
	BaseAmount       decimal.Decimal `json:"amount"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	OriginalCurrency string          `json:"original_currency"`
	DisplayCurrency  string          `json:"currency"`

	ContentHash string    `json:"line_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// MerchantName returns the merchant or "" when the statement had none.
func (e *Expense) MerchantName() string {
	if e.Merchant == nil {
		return ""
	}
	return *e.Merchant
}

// SameContent reports whether two versions of a row are indistinguishable
// to a reader. CreatedAt is ignored.
func (e *Expense) SameContent(o *Expense) bool {
	return e.ID == o.ID &&
		e.UserID == o.UserID &&
		e.StatementID == o.StatementID &&
		e.Date == o.Date &&
		e.Description == o.Description &&
		e.MerchantName() == o.MerchantName() &&
		(e.Merchant == nil) == (o.Merchant == nil) &&
		e.CategoryName == o.CategoryName &&
		e.CategoryID == o.CategoryID &&
		e.BaseAmount.Equal(o.BaseAmount) &&
		e.OriginalAmount.Equal(o.OriginalAmount) &&
		e.OriginalCurrency == o.OriginalCurrency &&
		e.DisplayCurrency == o.DisplayCurrency &&
		e.ContentHash == o.ContentHash
}

// Candidate is one transaction as yielded by the extraction service, before
// normalization, categorisation and hashing.
type Candidate struct {
	Date        civil.Date
	Merchant    string
	Description string
	Category    string
	Amount      decimal.Decimal
	Currency    string

	// BaseAmount is set when the statement itself printed the converted amount.
	BaseAmount *decimal.Decimal
}
