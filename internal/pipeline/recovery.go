package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// RequeueOrphans publishes a fresh ingest job for every statement still in
// processing that was created before cutoff. Such statements lost their job
// when a previous process exited. A statement that cannot be re-enqueued is
// marked failed instead. It returns the number of jobs published.
//
// Re-enqueueing a statement that is in fact still running is harmless:
// HandleJob skips terminal statements and the terminal write only applies
// once.
func RequeueOrphans(ctx context.Context, statements store.StatementRepository, publisher jobs.Publisher, cutoff time.Time, log zerolog.Logger) (int, error) {
	orphans, err := statements.ListProcessingStatements(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("RequeueOrphans: list processing statements: %w", err)
	}

	requeued := 0
	for _, st := range orphans {
		job := jobs.NewIngestStatementJob(st.UserID, st.ID)
		err := publisher.PublishIngestStatement(ctx, job)
		if err == nil {
			requeued++
			log.Info().
				Str("statement_id", st.ID).
				Str("user_id", st.UserID).
				Str("job_id", job.JobID).
				Msg("requeued unfinished statement")
			continue
		}

		log.Error().Err(err).Str("statement_id", st.ID).Msg("failed to requeue unfinished statement")
		st.Status = domain.StatementFailed
		st.FailureReason = fmt.Sprintf("ingestion interrupted and could not be requeued: %v", err)
		if ferr := statements.FinishStatement(context.WithoutCancel(ctx), st); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			log.Error().Err(ferr).Str("statement_id", st.ID).Msg("failed to mark unfinished statement failed")
		}
	}
	return requeued, nil
}
