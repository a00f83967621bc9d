package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/blob"
	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxUploadBytes bounds a statement upload.
const MaxUploadBytes = 20 << 20

// StatementsHandler handles statement upload and status endpoints.
type StatementsHandler struct {
	repo      store.StatementRepository
	blobs     blob.Store
	publisher jobs.Publisher
	hub       *changefeed.Hub
	log       zerolog.Logger
}

// NewStatementsHandler creates a new statements handler.
func NewStatementsHandler(repo store.StatementRepository, blobs blob.Store, publisher jobs.Publisher, hub *changefeed.Hub, log zerolog.Logger) *StatementsHandler {
	return &StatementsHandler{
		repo:      repo,
		blobs:     blobs,
		publisher: publisher,
		hub:       hub,
		log:       log,
	}
}

// Upload handles POST /api/statements. The statement is created in
// processing and the ingest job is queued; the caller follows progress
// through the statement status.
func (h *StatementsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)
	log := requestLogger(ctx, h.log).With().Str("user_id", userID).Logger()

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "File is too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "Multipart field 'file' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if len(data) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "File is empty")
		return
	}

	fileName := filepath.Base(header.Filename)
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	checksum := Checksum(data)

	existing, err := h.repo.FindStatementByChecksum(ctx, userID, checksum)
	switch {
	case err == nil && existing.Status != domain.StatementFailed:
		middleware.WriteJSON(w, http.StatusConflict, map[string]string{
			"error":        fmt.Sprintf("'%s' has already been uploaded", fileName),
			"statement_id": existing.ID,
			"status":       string(existing.Status),
		})
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Error().Err(err).Msg("Failed to look up statement checksum")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to upload statement")
		return
	}

	st := &domain.Statement{
		ID:       uuid.NewString(),
		UserID:   userID,
		Checksum: checksum,
		FileName: fileName,
		MIMEType: mimeType,
		Status:   domain.StatementProcessing,
	}
	log = log.With().Str("statement_id", st.ID).Logger()

	st.BlobURI, err = h.blobs.Put(ctx, blob.StatementObjectName(userID, st.ID, fileName), data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store statement file")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	if err := h.repo.CreateStatement(ctx, st); err != nil {
		log.Error().Err(err).Msg("Failed to create statement")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create statement")
		return
	}

	job := jobs.NewIngestStatementJob(userID, st.ID)
	if err := h.publisher.PublishIngestStatement(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue ingest job")
		h.failUnqueued(st, err, log)
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to queue statement for processing")
		return
	}

	log.Info().
		Str("job_id", job.JobID).
		Str("file_name", fileName).
		Int("bytes", len(data)).
		Msg("Statement accepted")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"statement_id": st.ID,
		"job_id":       job.JobID,
		"status":       string(st.Status),
		"message":      fmt.Sprintf("'%s' is being processed.", fileName),
	})
}

// failUnqueued marks a statement failed when its job never reached the
// queue, so it does not stay processing forever.
func (h *StatementsHandler) failUnqueued(st *domain.Statement, cause error, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st.Status = domain.StatementFailed
	st.FailureReason = "enqueue failed: " + cause.Error()
	if err := h.repo.FinishStatement(ctx, st); err != nil {
		log.Error().Err(err).Msg("Failed to mark unqueued statement failed")
	}
}

// ListStatements handles GET /api/statements
func (h *StatementsHandler) ListStatements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)

	statements, err := h.repo.ListStatements(ctx, userID)
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Msg("Failed to list statements")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list statements")
		return
	}
	if statements == nil {
		statements = []*domain.Statement{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"statements": statements,
		"count":      len(statements),
	})
}

// GetStatement handles GET /api/statements/{id}
func (h *StatementsHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	st, err := h.repo.GetStatement(ctx, middleware.UserID(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Statement not found")
		return
	}
	if err != nil {
		reqLog := requestLogger(ctx, h.log)
		reqLog.Error().Err(err).Str("statement_id", id).Msg("Failed to get statement")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get statement")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, st)
}

// StreamStatements handles GET /api/statements/stream. Every change to the
// user's statements sends a full "statements" snapshot. A failed read sends
// one "error" event and ends the stream.
func (h *StatementsHandler) StreamStatements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)
	log := requestLogger(ctx, h.log)

	sub := changefeed.Subscribe(ctx, h.hub, userID, changefeed.TableStatements,
		func(ctx context.Context) ([]*domain.Statement, error) {
			return h.repo.ListStatements(ctx, userID)
		})
	defer sub.Close()

	stream, err := newEventStream(w)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open event stream")
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			if u.Err != nil {
				log.Warn().Err(u.Err).Msg("Statement subscription failed")
				_ = stream.Send("error", map[string]string{"error": "Failed to load statements"})
				return
			}
			rows := u.Rows
			if rows == nil {
				rows = []*domain.Statement{}
			}
			if err := stream.Send("statements", rows); err != nil {
				return
			}
		}
	}
}

// Checksum is the hex SHA-256 of an uploaded document.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
