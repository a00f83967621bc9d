package amqp

import (
	"encoding/json"
	"time"

	"github.com/dvloznov/finance-sync/internal/jobs"
)

// IngestStatementMessage is the wire form of an ingest job. It carries ids
// only; the worker loads the statement itself.
type IngestStatementMessage struct {
	JobID       string    `json:"job_id"`
	StatementID string    `json:"statement_id"`
	UserID      string    `json:"user_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewIngestStatementMessage builds a message for job.
func NewIngestStatementMessage(job *jobs.IngestStatementJob) *IngestStatementMessage {
	return &IngestStatementMessage{
		JobID:       job.JobID,
		StatementID: job.StatementID,
		UserID:      job.UserID,
		Timestamp:   time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *IngestStatementMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Job rebuilds a pending job from the message.
func (m *IngestStatementMessage) Job() *jobs.IngestStatementJob {
	return &jobs.IngestStatementJob{
		JobID:       m.JobID,
		StatementID: m.StatementID,
		UserID:      m.UserID,
		Status:      jobs.JobStatusPending,
		CreatedAt:   m.Timestamp,
	}
}

// IngestStatementMessageFromJSON decodes a message and checks its ids.
func IngestStatementMessageFromJSON(data []byte) (*IngestStatementMessage, error) {
	var msg IngestStatementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.StatementID == "" || msg.UserID == "" {
		return nil, errMissingIDs
	}
	return &msg, nil
}
