package inmemory

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/google/uuid"
)

// Recorder saves every job before forwarding it to another publisher, so
// the process that accepted an upload can answer lookups by job id when
// the job runs elsewhere.
type Recorder struct {
	next  jobs.Publisher
	store jobs.JobStore
}

// NewRecorder wraps next.
func NewRecorder(next jobs.Publisher, store jobs.JobStore) *Recorder {
	return &Recorder{next: next, store: store}
}

// PublishIngestStatement records job as pending and forwards it. A job the
// next publisher rejects is recorded as failed.
func (r *Recorder) PublishIngestStatement(ctx context.Context, job *jobs.IngestStatementJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := r.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if err := r.next.PublishIngestStatement(ctx, job); err != nil {
		_ = r.store.UpdateJobStatus(context.WithoutCancel(ctx), job.JobID, jobs.JobStatusFailed, err.Error())
		return err
	}
	return nil
}

// Close closes the wrapped publisher.
func (r *Recorder) Close() error {
	return r.next.Close()
}

var _ jobs.Publisher = (*Recorder)(nil)
