package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// Warehouse records one ingestion run per statement attempt and streams the
// expenses it inserted. It satisfies pipeline.Auditor.
type Warehouse struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	now       func() time.Time
}

// NewWarehouse creates a warehouse with a shared BigQuery client.
func NewWarehouse(ctx context.Context, projectID, datasetID string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	return &Warehouse{client: client, projectID: projectID, datasetID: datasetID, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

func (w *Warehouse) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", w.projectID, w.datasetID, name)
}

func (w *Warehouse) runQuery(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// StartRun inserts a RUNNING row and returns the generated run id. The row
// is written with DML so FinishRun can update it right away.
func (w *Warehouse) StartRun(ctx context.Context, st *domain.Statement) (string, error) {
	runID := uuid.NewString()

	q := w.client.Query(fmt.Sprintf(`
		INSERT %s (
			run_id,
			statement_id,
			user_id,
			started_ts,
			status
		)
		VALUES (
			@run_id,
			@statement_id,
			@user_id,
			@started_ts,
			@status
		)
	`, w.table(ingestionRunsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "statement_id", Value: st.ID},
		{Name: "user_id", Value: st.UserID},
		{Name: "started_ts", Value: w.now().UTC()},
		{Name: "status", Value: runStatusRunning},
	}

	if err := w.runQuery(ctx, q); err != nil {
		return "", fmt.Errorf("StartRun: %w", err)
	}
	return runID, nil
}

// RecordExpense streams one inserted expense into the expenses table.
func (w *Warehouse) RecordExpense(ctx context.Context, runID string, e *domain.Expense) error {
	inserter := w.client.DatasetInProject(w.projectID, w.datasetID).Table(expensesTable).Inserter()
	if err := inserter.Put(ctx, expenseRow(runID, e, w.now())); err != nil {
		return fmt.Errorf("RecordExpense: inserting row: %w", err)
	}
	return nil
}

// FinishRun writes the terminal status and counters of a run.
func (w *Warehouse) FinishRun(ctx context.Context, runID string, st *domain.Statement) error {
	q := w.client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message,
		    items_observed = @items_observed,
		    items_inserted = @items_inserted,
		    items_duplicate = @items_duplicate,
		    items_dropped = @items_dropped
		WHERE run_id = @run_id
	`, w.table(ingestionRunsTable)))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: runStatus(st)},
		{Name: "finished_ts", Value: w.now().UTC()},
		{Name: "error_message", Value: truncateError(st.FailureReason)},
		{Name: "items_observed", Value: st.ItemsObserved},
		{Name: "items_inserted", Value: st.ItemsInserted},
		{Name: "items_duplicate", Value: st.ItemsDuplicate},
		{Name: "items_dropped", Value: st.ItemsDropped},
		{Name: "run_id", Value: runID},
	}

	if err := w.runQuery(ctx, q); err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a user, newest first.
func (w *Warehouse) ListRuns(ctx context.Context, userID string, limit int) ([]*IngestionRunRow, error) {
	if limit <= 0 {
		limit = 50
	}

	q := w.client.Query(fmt.Sprintf(`
		SELECT
			run_id,
			statement_id,
			user_id,
			started_ts,
			finished_ts,
			status,
			error_message,
			items_observed,
			items_inserted,
			items_duplicate,
			items_dropped
		FROM %s
		WHERE user_id = @user_id
		ORDER BY started_ts DESC
		LIMIT @limit
	`, w.table(ingestionRunsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: query read: %w", err)
	}

	var rows []*IngestionRunRow
	for {
		var r IngestionRunRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRuns: iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
