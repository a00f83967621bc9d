// Package pipeline ingests one statement at a time: it drives the
// extraction stream and persists each candidate before asking for the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/dedup"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/extract"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// ErrNoTransactions marks a stream that ended without one well-formed
// transaction.
var ErrNoTransactions = errors.New("extraction produced no transactions")

// DocumentSource loads uploaded statement bytes.
type DocumentSource interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Auditor mirrors ingestion runs to an analytics store. Failures are logged
// and never affect the statement.
type Auditor interface {
	StartRun(ctx context.Context, st *domain.Statement) (string, error)
	RecordExpense(ctx context.Context, runID string, e *domain.Expense) error
	FinishRun(ctx context.Context, runID string, st *domain.Statement) error
}

// Deps are the collaborators of an Ingestor. Auditor may be nil; Documents
// is only needed by HandleJob.
type Deps struct {
	Statements store.StatementRepository
	Extractor  extract.Extractor
	Resolver   CategoryResolver
	Currency   CurrencyNormalizer
	Gate       ExpenseInserter
	Documents  DocumentSource
	Auditor    Auditor

	// ForeignCategory is applied to non-base-currency candidates unless a
	// merchant mapping matches. Empty disables it.
	ForeignCategory string
}

// Ingestor owns the statement lifecycle from processing to a terminal state.
type Ingestor struct {
	deps  Deps
	items *Pipeline
	log   zerolog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(deps Deps, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		deps:  deps,
		items: NewItemPipeline(deps.Resolver, deps.Currency, deps.Gate, deps.ForeignCategory),
		log:   log,
	}
}

type counters struct {
	observed, inserted, duplicate, dropped int
}

// ProcessStatement ingests document for st and always leaves st in a
// terminal state, even on panic. Cancelling ctx stops the stream early; the
// terminal write itself is not cancellable.
func (in *Ingestor) ProcessStatement(ctx context.Context, st *domain.Statement, document []byte) (err error) {
	log := in.log.With().
		Str("statement_id", st.ID).
		Str("user_id", st.UserID).
		Logger()

	var (
		n     counters
		runID string
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ProcessStatement: panic: %v", r)
		}
		in.finish(context.WithoutCancel(ctx), st, runID, n, err, log)
	}()

	runID = in.startAudit(ctx, st, log)

	vocabulary, verr := in.deps.Resolver.Vocabulary(ctx, st.UserID)
	if verr != nil {
		log.Warn().Err(verr).Msg("failed to load category vocabulary, using defaults")
	}

	stream, err := in.deps.Extractor.Extract(ctx, document, st.MIMEType, vocabulary)
	if err != nil {
		return fmt.Errorf("ProcessStatement: open extraction stream: %w", err)
	}
	defer stream.Close()

	for {
		c, err := stream.Next(ctx)
		if errors.Is(err, iterator.Done) {
			break
		}
		if extract.IsItemError(err) {
			n.dropped++
			log.Warn().Err(err).Msg("dropping malformed transaction")
			continue
		}
		if err != nil {
			return fmt.Errorf("ProcessStatement: extraction stream: %w", err)
		}
		n.observed++

		state := &ItemState{Statement: st, Candidate: c}
		if err := in.items.Execute(ctx, state); err != nil {
			n.dropped++
			log.Warn().
				Err(err).
				Str("date", c.Date.String()).
				Str("description", c.Description).
				Msg("dropping transaction")
			continue
		}

		switch state.Outcome {
		case dedup.Inserted:
			n.inserted++
			in.recordAudit(ctx, runID, state.Expense, log)
		case dedup.Duplicate:
			n.duplicate++
		}
	}

	if n.observed == 0 {
		return fmt.Errorf("ProcessStatement: %w", ErrNoTransactions)
	}
	return nil
}

// finish writes the terminal status and counters exactly once.
func (in *Ingestor) finish(ctx context.Context, st *domain.Statement, runID string, n counters, cause error, log zerolog.Logger) {
	st.ItemsObserved = n.observed
	st.ItemsInserted = n.inserted
	st.ItemsDuplicate = n.duplicate
	st.ItemsDropped = n.dropped
	if cause != nil {
		st.Status = domain.StatementFailed
		st.FailureReason = cause.Error()
	} else {
		st.Status = domain.StatementCompleted
		st.FailureReason = ""
	}

	err := in.deps.Statements.FinishStatement(ctx, st)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn().Msg("statement was already terminal or deleted, status not written")
	case err != nil:
		log.Error().Err(err).Str("status", string(st.Status)).Msg("failed to write statement status")
	}

	event := log.Info()
	if cause != nil {
		event = log.Error().Err(cause)
	}
	event.
		Str("status", string(st.Status)).
		Int("observed", n.observed).
		Int("inserted", n.inserted).
		Int("duplicate", n.duplicate).
		Int("dropped", n.dropped).
		Msg("statement ingestion finished")

	if in.deps.Auditor != nil && runID != "" {
		if err := in.deps.Auditor.FinishRun(ctx, runID, st); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("failed to finish audit run")
		}
	}
}

func (in *Ingestor) startAudit(ctx context.Context, st *domain.Statement, log zerolog.Logger) string {
	if in.deps.Auditor == nil {
		return ""
	}
	runID, err := in.deps.Auditor.StartRun(ctx, st)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start audit run")
		return ""
	}
	return runID
}

func (in *Ingestor) recordAudit(ctx context.Context, runID string, e *domain.Expense, log zerolog.Logger) {
	if in.deps.Auditor == nil || runID == "" {
		return
	}
	if err := in.deps.Auditor.RecordExpense(ctx, runID, e); err != nil {
		log.Warn().Err(err).Str("expense_id", e.ID).Msg("failed to mirror expense")
	}
}

// HandleJob is the jobs.JobHandler for ingestion. A statement that is
// already terminal is skipped, so redelivered jobs are harmless.
func (in *Ingestor) HandleJob(ctx context.Context, job jobs.Job) error {
	j, ok := job.(*jobs.IngestStatementJob)
	if !ok {
		return fmt.Errorf("HandleJob: unexpected job type %s", job.GetType())
	}

	st, err := in.deps.Statements.GetStatement(ctx, j.UserID, j.StatementID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("HandleJob: load statement %s: %w", j.StatementID, err)
	}
	if err != nil {
		// The row exists as far as we know; the conditional terminal write
		// leaves it alone if it is no longer processing.
		stub := &domain.Statement{ID: j.StatementID, UserID: j.UserID, Status: domain.StatementProcessing}
		return in.failWithoutDocument(context.WithoutCancel(ctx), stub,
			fmt.Errorf("HandleJob: load statement %s: %w", j.StatementID, err))
	}
	if st.Status.Terminal() {
		in.log.Info().
			Str("statement_id", st.ID).
			Str("status", string(st.Status)).
			Msg("statement already terminal, skipping job")
		return nil
	}

	// Ingestion is not cancelled by worker shutdown; Stop waits for it.
	ctx = context.WithoutCancel(ctx)

	if in.deps.Documents == nil {
		return in.failWithoutDocument(ctx, st, fmt.Errorf("HandleJob: no document source configured"))
	}
	document, err := in.deps.Documents.Get(ctx, st.BlobURI)
	if err != nil {
		return in.failWithoutDocument(ctx, st, fmt.Errorf("HandleJob: load document: %w", err))
	}
	return in.ProcessStatement(ctx, st, document)
}

func (in *Ingestor) failWithoutDocument(ctx context.Context, st *domain.Statement, cause error) error {
	log := in.log.With().
		Str("statement_id", st.ID).
		Str("user_id", st.UserID).
		Logger()
	in.finish(ctx, st, "", counters{}, cause, log)
	return cause
}
