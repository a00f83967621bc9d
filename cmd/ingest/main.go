package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/blob"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.LogLevel)

	userID := flag.String("user", "", "User ID that owns the statement (required)")
	file := flag.String("file", "", "Path to the statement PDF (required)")
	force := flag.Bool("force", false, "Ingest even if the same file was already uploaded")
	flag.Parse()

	if *userID == "" || *file == "" {
		log.Fatal().Msg("Error: --user and --file are required")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read statement file")
	}
	if len(data) == 0 {
		log.Fatal().Str("file", *file).Msg("Statement file is empty")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	defer services.Close()

	ingestor, err := services.NewIngestor(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingestor")
	}

	checksum := handlers.Checksum(data)
	existing, err := services.Repo.FindStatementByChecksum(ctx, *userID, checksum)
	switch {
	case err == nil && existing.Status != domain.StatementFailed && !*force:
		log.Fatal().
			Str("statement_id", existing.ID).
			Str("status", string(existing.Status)).
			Msg("This file has already been uploaded; use --force to ingest it again")
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Fatal().Err(err).Msg("Failed to look up statement checksum")
	}

	fileName := filepath.Base(*file)
	st := &domain.Statement{
		ID:       uuid.NewString(),
		UserID:   *userID,
		Checksum: checksum,
		FileName: fileName,
		MIMEType: http.DetectContentType(data),
		Status:   domain.StatementProcessing,
	}

	st.BlobURI, err = services.Blobs.Put(ctx, blob.StatementObjectName(st.UserID, st.ID, fileName), data)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to store statement file")
	}
	if err := services.Repo.CreateStatement(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("Failed to create statement")
	}

	log.Info().Str("statement_id", st.ID).Str("file", *file).Msg("Starting ingestion")

	if err := ingestor.ProcessStatement(ctx, st, data); err != nil {
		log.Error().Err(err).Msg("Ingestion failed")
	}

	final, err := services.Repo.GetStatement(context.WithoutCancel(ctx), st.UserID, st.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read statement")
	}

	out, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(out))

	if final.Status != domain.StatementCompleted {
		services.Close()
		os.Exit(1)
	}
}
