package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by a JobStore for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeIngestStatement runs extraction and insertion for one statement.
	JobTypeIngestStatement JobType = "ingest_statement"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IngestStatementJob asks a worker to ingest an uploaded statement. The
// job's own status only tracks execution; the outcome users see is the
// statement's status.
type IngestStatementJob struct {
	JobID       string `json:"job_id"`
	StatementID string `json:"statement_id"`
	UserID      string `json:"user_id"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the handler failed.
	Error string `json:"error,omitempty"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *IngestStatementJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *IngestStatementJob) GetType() JobType {
	return JobTypeIngestStatement
}

// GetStatus implements the Job interface.
func (j *IngestStatementJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs. Implementations: the in-memory queue and AMQP.
type Publisher interface {
	PublishIngestStatement(ctx context.Context, job *IngestStatementJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer runs a handler for every received job.
type Consumer interface {
	// Start begins consuming jobs and returns immediately.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. Jobs are not retried: a returned error is
// recorded on the job and logged.
type JobHandler func(ctx context.Context, job Job) error

// JobStore records job execution state.
type JobStore interface {
	SaveJob(ctx context.Context, job *IngestStatementJob) error
	GetJob(ctx context.Context, jobID string) (*IngestStatementJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*IngestStatementJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	StatementID string
	UserID      string
	Status      JobStatus

	Limit  int
	Offset int
}

// NewIngestStatementJob creates a pending job for a statement.
func NewIngestStatementJob(userID, statementID string) *IngestStatementJob {
	return &IngestStatementJob{
		StatementID: statementID,
		UserID:      userID,
		Status:      JobStatusPending,
		CreatedAt:   time.Now(),
	}
}
