package pipeline

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/dedup"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// ItemStep is one stage applied to a single extracted candidate.
type ItemStep interface {
	Execute(ctx context.Context, state *ItemState) error
}

// ItemState carries one candidate through the steps.
type ItemState struct {
	Statement *domain.Statement
	Candidate *domain.Candidate

	Category   *domain.Category
	BaseAmount decimal.Decimal
	Expense    *domain.Expense
	Outcome    dedup.Outcome
}

// CategoryResolver is the subset of categories.Resolver the pipeline uses.
type CategoryResolver interface {
	ResolveCategory(ctx context.Context, userID, label string) (*domain.Category, error)
	ResolveMerchantOverride(ctx context.Context, userID, merchant string) (string, bool, error)
	Vocabulary(ctx context.Context, userID string) ([]string, error)
}

// CurrencyNormalizer is the subset of fx.Normalizer the pipeline uses.
type CurrencyNormalizer interface {
	BaseCurrency() string
	IsBase(currency string) bool
	Normalize(ctx context.Context, amount decimal.Decimal, from string, date civil.Date) decimal.Decimal
}

// ExpenseInserter is the subset of dedup.Gate the pipeline uses.
type ExpenseInserter interface {
	Insert(ctx context.Context, e *domain.Expense) (dedup.Outcome, error)
}

// ResolveCategoryStep picks the category: a merchant mapping wins, then the
// foreign-currency default, then the extractor's suggestion.
type ResolveCategoryStep struct {
	Resolver        CategoryResolver
	Currency        CurrencyNormalizer
	ForeignCategory string
}

func (s *ResolveCategoryStep) Execute(ctx context.Context, state *ItemState) error {
	c := state.Candidate
	userID := state.Statement.UserID

	label := c.Category
	if s.ForeignCategory != "" && !s.Currency.IsBase(c.Currency) {
		label = s.ForeignCategory
	}

	override, ok, err := s.Resolver.ResolveMerchantOverride(ctx, userID, c.Merchant)
	if err != nil {
		return fmt.Errorf("ResolveCategoryStep: %w", err)
	}
	if ok {
		label = override
	}

	cat, err := s.Resolver.ResolveCategory(ctx, userID, label)
	if err != nil {
		return fmt.Errorf("ResolveCategoryStep: %w", err)
	}
	state.Category = cat
	return nil
}

// NormalizeCurrencyStep sets the base amount, preferring the amount printed
// on the statement over an FX lookup. It never fails.
type NormalizeCurrencyStep struct {
	Currency CurrencyNormalizer
}

func (s *NormalizeCurrencyStep) Execute(ctx context.Context, state *ItemState) error {
	c := state.Candidate
	switch {
	case c.BaseAmount != nil:
		state.BaseAmount = *c.BaseAmount
	default:
		state.BaseAmount = s.Currency.Normalize(ctx, c.Amount, c.Currency, c.Date)
	}
	return nil
}

// InsertExpenseStep builds the expense row and passes it through the gate.
// A duplicate is not an error.
type InsertExpenseStep struct {
	Gate ExpenseInserter
}

func (s *InsertExpenseStep) Execute(ctx context.Context, state *ItemState) error {
	c := state.Candidate
	if state.Category == nil {
		return fmt.Errorf("InsertExpenseStep: category not resolved")
	}

	e := &domain.Expense{
		UserID:           state.Statement.UserID,
		StatementID:      state.Statement.ID,
		Date:             c.Date,
		Description:      c.Description,
		CategoryName:     state.Category.Name,
		CategoryID:       state.Category.ID,
		BaseAmount:       state.BaseAmount,
		OriginalAmount:   c.Amount,
		OriginalCurrency: c.Currency,
		DisplayCurrency:  c.Currency,
	}
	if m := strings.TrimSpace(c.Merchant); m != "" {
		e.Merchant = &m
	}
	e.ContentHash = dedup.ContentHash(e.Date, e.Description, e.BaseAmount)

	outcome, err := s.Gate.Insert(ctx, e)
	state.Expense = e
	state.Outcome = outcome
	if err != nil {
		return fmt.Errorf("InsertExpenseStep: %w", err)
	}
	return nil
}

// Pipeline executes a sequence of item steps in order.
type Pipeline struct {
	steps []ItemStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...ItemStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially, stopping at the first error.
func (p *Pipeline) Execute(ctx context.Context, state *ItemState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// NewItemPipeline creates the standard per-candidate pipeline: category,
// then currency, then hash and insert.
func NewItemPipeline(resolver CategoryResolver, currency CurrencyNormalizer, gate ExpenseInserter, foreignCategory string) *Pipeline {
	return NewPipeline(
		&ResolveCategoryStep{Resolver: resolver, Currency: currency, ForeignCategory: foreignCategory},
		&NormalizeCurrencyStep{Currency: currency},
		&InsertExpenseStep{Gate: gate},
	)
}
