package handlers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/livesync"
	"github.com/shopspring/decimal"
)

// streamParams is the parsed query of GET /api/expenses/stream.
type streamParams struct {
	Config     livesync.Config
	Historical bool
	Filters    livesync.Filters
}

// parseStreamParams reads window sizes and filters. base supplies the
// window defaults; months and historical_months override them.
func parseStreamParams(q url.Values, base livesync.Config) (streamParams, error) {
	p := streamParams{Config: base}

	var err error
	if p.Config.RecentMonths, err = positiveInt(q, "months", base.RecentMonths); err != nil {
		return p, err
	}
	if p.Config.HistoricalMonths, err = positiveInt(q, "historical_months", base.HistoricalMonths); err != nil {
		return p, err
	}
	if v := q.Get("historical"); v != "" {
		if p.Historical, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("invalid historical %q", v)
		}
	}

	if p.Filters.From, err = optionalDate(q, "from"); err != nil {
		return p, err
	}
	if p.Filters.To, err = optionalDate(q, "to"); err != nil {
		return p, err
	}
	if p.Filters.MinAmount, err = optionalDecimal(q, "min"); err != nil {
		return p, err
	}
	if p.Filters.MaxAmount, err = optionalDecimal(q, "max"); err != nil {
		return p, err
	}

	p.Filters.Categories = nonEmpty(q["category"])
	p.Filters.Merchants = nonEmpty(q["merchant"])
	p.Filters.Search = strings.TrimSpace(q.Get("q"))
	return p, nil
}

func positiveInt(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func optionalDate(q url.Values, key string) (civil.Date, error) {
	v := q.Get(key)
	if v == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid %s %q, expected YYYY-MM-DD", key, v)
	}
	return d, nil
}

func optionalDecimal(q url.Values, key string) (*decimal.Decimal, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return &d, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
