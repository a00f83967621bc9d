package domain

import "time"

// StatementStatus is the ingestion lifecycle state of an uploaded statement.
type StatementStatus string

const (
	StatementProcessing StatementStatus = "processing"
	StatementCompleted  StatementStatus = "completed"
	StatementFailed     StatementStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s StatementStatus) Terminal() bool {
	return s == StatementCompleted || s == StatementFailed
}

// Statement is one uploaded document. Clients never mutate it; only the
// ingestion pipeline moves it out of processing, exactly once.
type Statement struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Checksum string          `json:"checksum"`
	FileName string          `json:"file_name"`
	MIMEType string          `json:"mime_type"`
	BlobURI  string          `json:"blob_uri"`
	Status   StatementStatus `json:"status"`

	// Counters are written together with the terminal status. A completed
	// statement with ItemsDropped > 0 is a partial success.
	ItemsObserved  int    `json:"items_observed"`
	ItemsInserted  int    `json:"items_inserted"`
	ItemsDuplicate int    `json:"items_duplicate"`
	ItemsDropped   int    `json:"items_dropped"`
	FailureReason  string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PartiallyIngested reports whether a completed statement lost any items.
func (s *Statement) PartiallyIngested() bool {
	return s.Status == StatementCompleted && s.ItemsDropped > 0
}
