package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// candidateFromObject converts one decoded model object into a candidate.
func candidateFromObject(obj map[string]interface{}) (*domain.Candidate, error) {
	dateStr, err := getStringField(obj, "date", true)
	if err != nil {
		return nil, err
	}
	date, err := civil.ParseDate(strings.TrimSpace(dateStr))
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}

	desc, err := getStringField(obj, "description", true)
	if err != nil {
		return nil, err
	}
	merchant, err := getOptionalStringField(obj, "merchant")
	if err != nil {
		return nil, err
	}
	category, err := getOptionalStringField(obj, "category")
	if err != nil {
		return nil, err
	}

	currency, err := getStringField(obj, "original_currency", true)
	if err != nil {
		return nil, err
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("invalid currency code %q", currency)
	}

	amount, err := getDecimalField(obj, "original_amount")
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("original_amount must be positive, got %s", amount)
	}

	base, err := getOptionalDecimalField(obj, "base_amount")
	if err != nil {
		return nil, err
	}
	if base != nil && !base.IsPositive() {
		base = nil
	}

	c := &domain.Candidate{
		Date:        date,
		Description: strings.TrimSpace(desc),
		Amount:      amount,
		Currency:    currency,
		BaseAmount:  base,
	}
	if merchant != nil {
		c.Merchant = *merchant
	}
	if category != nil {
		c.Category = *category
	}
	return c, nil
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

func getDecimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	d, err := getOptionalDecimalField(m, key)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, fmt.Errorf("missing required field %q", key)
	}
	return *d, nil
}

// getOptionalDecimalField accepts JSON numbers and numeric strings, since
// models sometimes quote amounts.
func getOptionalDecimalField(m map[string]interface{}, key string) (*decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	var (
		d   decimal.Decimal
		err error
	)
	switch val := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(val.String())
	case float64:
		d = decimal.NewFromFloat(val)
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(val, ",", ""))
		if s == "" {
			return nil, nil
		}
		d, err = decimal.NewFromString(s)
	default:
		return nil, fmt.Errorf("field %q has type %T, want number or null", key, v)
	}
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return &d, nil
}
