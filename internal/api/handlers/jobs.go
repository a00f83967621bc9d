package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

const defaultJobLimit = 50

// JobsHandler serves ingest job status. A job that is still pending or
// running in the job store but whose statement is already terminal reports
// the statement's outcome, which covers jobs executed by another process.
type JobsHandler struct {
	jobStore   jobs.JobStore
	statements store.StatementRepository
	log        zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(jobStore jobs.JobStore, statements store.StatementRepository, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		jobStore:   jobStore,
		statements: statements,
		log:        log,
	}
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseJobFilter(r.URL.Query())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Status and paging apply after reconciliation.
	all, err := h.jobStore.ListJobs(ctx, jobs.JobFilter{
		UserID:      middleware.UserID(ctx),
		StatementID: filter.StatementID,
	})
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	list := []*jobs.IngestStatementJob{}
	for _, job := range all {
		h.reconcile(r, job)
		if filter.Status == "" || job.Status == filter.Status {
			list = append(list, job)
		}
	}
	list = list[min(filter.Offset, len(list)):]
	list = list[:min(filter.Limit, len(list))]

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := h.jobStore.GetJob(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) || (err == nil && job.UserID != middleware.UserID(ctx)) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	h.reconcile(r, job)

	middleware.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) reconcile(r *http.Request, job *jobs.IngestStatementJob) {
	if job.Status != jobs.JobStatusPending && job.Status != jobs.JobStatusRunning {
		return
	}
	st, err := h.statements.GetStatement(r.Context(), job.UserID, job.StatementID)
	if err != nil {
		reqLog := requestLogger(r.Context(), h.log)
		reqLog.Debug().Err(err).Str("job_id", job.JobID).Msg("Job statement not readable")
		return
	}
	switch st.Status {
	case domain.StatementCompleted:
		job.Status = jobs.JobStatusCompleted
	case domain.StatementFailed:
		job.Status = jobs.JobStatusFailed
		job.Error = st.FailureReason
	}
}

func parseJobFilter(q url.Values) (jobs.JobFilter, error) {
	filter := jobs.JobFilter{
		StatementID: q.Get("statement_id"),
		Status:      jobs.JobStatus(q.Get("status")),
		Limit:       defaultJobLimit,
	}
	switch filter.Status {
	case "", jobs.JobStatusPending, jobs.JobStatusRunning, jobs.JobStatusCompleted, jobs.JobStatusFailed:
	default:
		return filter, fmt.Errorf("invalid status %q", filter.Status)
	}

	var err error
	if filter.Limit, err = positiveInt(q, "limit", defaultJobLimit); err != nil {
		return filter, err
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, err = strconv.Atoi(v)
		if err != nil || filter.Offset < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
	}
	return filter, nil
}
