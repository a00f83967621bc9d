package main

import (
	"context"
	"flag"
	"time"

	"github.com/dvloznov/finance-sync/internal/config"
	infraBQ "github.com/dvloznov/finance-sync/internal/infra/bigquery"
	"github.com/dvloznov/finance-sync/internal/infra/sqlite"
	"github.com/dvloznov/finance-sync/internal/logger"
)

const (
	targetSQLite   = "sqlite"
	targetBigQuery = "bigquery"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.LogLevel)

	var (
		target    = flag.String("target", targetSQLite, "What to migrate: sqlite or bigquery")
		dbPath    = flag.String("db", cfg.SQLiteDBPath, "SQLite database path (or set SQLITE_DB_PATH)")
		projectID = flag.String("project", cfg.BigQueryProject, "GCP project ID (or set BIGQUERY_PROJECT)")
		datasetID = flag.String("dataset", cfg.BigQueryDataset, "BigQuery dataset ID (or set BIGQUERY_DATASET)")
		appliedBy = flag.String("applied-by", "migrate-cli", "Name recorded in schema_migrations")
	)
	flag.Parse()

	switch *target {
	case targetSQLite:
		if *dbPath == "" {
			log.Fatal().Msg("Error: -db is required")
		}
		// Open applies pending migrations before returning.
		repo, err := sqlite.Open(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to migrate SQLite database")
		}
		repo.Close()
		log.Info().Str("path", *dbPath).Msg("SQLite schema is up to date")

	case targetBigQuery:
		if *projectID == "" {
			log.Fatal().Msg("Error: -project flag is required. Please specify your GCP project ID.")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		wh, err := infraBQ.NewWarehouse(ctx, *projectID, *datasetID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery client")
		}
		defer wh.Close()

		log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

		applied, err := wh.Migrate(ctx, *appliedBy, log)
		if err != nil {
			log.Fatal().Err(err).Int("applied", applied).Msg("Warehouse migration failed")
		}
		if applied == 0 {
			log.Info().Msg("No new migrations to apply. Warehouse is up to date.")
		} else {
			log.Info().Int("applied", applied).Msg("Successfully applied warehouse migrations")
		}

	default:
		log.Fatal().Str("target", *target).Msg("Unknown target: must be sqlite or bigquery")
	}
}
