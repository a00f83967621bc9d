// Package fx converts foreign-currency amounts to the base currency.
package fx

import (
	"context"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Normalizer converts amounts into a single base currency. Conversion never
// fails: when no rate is available the original amount is returned as-is.
type Normalizer struct {
	base  string
	rates RateSource
	log   zerolog.Logger
}

// NewNormalizer creates a normalizer for the given base currency.
func NewNormalizer(base string, rates RateSource, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		base:  strings.ToUpper(base),
		rates: rates,
		log:   log,
	}
}

// BaseCurrency returns the upper-cased base currency code.
func (n *Normalizer) BaseCurrency() string {
	return n.base
}

// IsBase reports whether currency is the base currency.
func (n *Normalizer) IsBase(currency string) bool {
	return strings.EqualFold(strings.TrimSpace(currency), n.base)
}

// Normalize returns amount expressed in the base currency, rounded to two
// decimal places.
func (n *Normalizer) Normalize(ctx context.Context, amount decimal.Decimal, from string, date civil.Date) decimal.Decimal {
	if n.IsBase(from) {
		return amount
	}
	from = strings.ToUpper(strings.TrimSpace(from))

	rate, err := n.rates.Rate(ctx, from, n.base, date)
	if err != nil {
		n.log.Warn().
			Err(err).
			Str("currency", from).
			Str("date", date.String()).
			Str("amount", amount.String()).
			Msg("currency conversion failed, keeping original amount")
		return amount
	}

	return amount.Mul(rate).Round(2)
}
