package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.LogLevel)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "statements":
		runStatements(cfg, log)
	case "inspect":
		runInspect(cfg, log)
	case "retry":
		runRetry(cfg, log)
	case "runs":
		runRuns(cfg, log)
	case "map":
		runMap(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Sync CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  statements  List a user's statements and their status")
	fmt.Println("  inspect     Show a statement and the expenses it produced")
	fmt.Println("  retry       Ingest a failed statement's document again")
	fmt.Println("  runs        List recent ingestion runs from the warehouse")
	fmt.Println("  map         Map a merchant to a category and re-categorise its expenses")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func openServices(ctx context.Context, cfg *config.Config, log zerolog.Logger) *app.Services {
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	return services
}

func runStatements(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("statements", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		log.Fatal().Msg("Error: --user is required")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := openServices(ctx, cfg, log)
	defer services.Close()

	statements, err := services.Repo.ListStatements(ctx, *userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list statements")
	}

	fmt.Printf("\n=== Statements (%d) ===\n", len(statements))
	for _, st := range statements {
		fmt.Printf("%s  %-10s  %s  %s\n", st.ID, st.Status, st.CreatedAt.Format(time.RFC3339), st.FileName)
	}
	fmt.Println()
}

func runInspect(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	statementID := fs.String("statement-id", "", "Statement ID to inspect")
	fs.Parse(os.Args[2:])

	if *userID == "" || *statementID == "" {
		log.Fatal().Msg("Error: --user and --statement-id are required")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := openServices(ctx, cfg, log)
	defer services.Close()

	st, err := services.Repo.GetStatement(ctx, *userID, *statementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load statement")
	}

	fmt.Println("\n=== Statement Details ===")
	fmt.Printf("ID:         %s\n", st.ID)
	fmt.Printf("File:       %s\n", st.FileName)
	fmt.Printf("Blob URI:   %s\n", st.BlobURI)
	fmt.Printf("Created:    %s\n", st.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Status:     %s\n", st.Status)
	if st.Status.Terminal() {
		fmt.Printf("Items:      %d observed, %d inserted, %d duplicate, %d dropped\n",
			st.ItemsObserved, st.ItemsInserted, st.ItemsDuplicate, st.ItemsDropped)
	}
	if st.FailureReason != "" {
		fmt.Printf("Failure:    %s\n", st.FailureReason)
	}

	all, err := services.Repo.ListExpenses(ctx, store.ExpenseQuery{UserID: *userID})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list expenses")
	}

	var expenses []*domain.Expense
	for _, e := range all {
		if e.StatementID == st.ID {
			expenses = append(expenses, e)
		}
	}

	fmt.Printf("\n=== Expenses (%d) ===\n", len(expenses))
	for i, e := range expenses {
		fmt.Printf("\n%d. %s\n", i+1, e.Description)
		fmt.Printf("   Date:     %s\n", e.Date)
		fmt.Printf("   Amount:   %s %s\n", e.BaseAmount.StringFixed(2), e.DisplayCurrency)
		if e.OriginalCurrency != e.DisplayCurrency {
			fmt.Printf("   Original: %s %s\n", e.OriginalAmount.StringFixed(2), e.OriginalCurrency)
		}
		if e.Merchant != nil {
			fmt.Printf("   Merchant: %s\n", *e.Merchant)
		}
		fmt.Printf("   Category: %s\n", e.CategoryName)
	}
	fmt.Println()
}

// runRetry creates a new statement over a failed statement's stored
// document and ingests it. The failed statement is left as it was.
func runRetry(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	statementID := fs.String("statement-id", "", "Failed statement ID")
	fs.Parse(os.Args[2:])

	if *userID == "" || *statementID == "" {
		log.Fatal().Msg("Error: --user and --statement-id are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	services := openServices(ctx, cfg, log)
	defer services.Close()

	prev, err := services.Repo.GetStatement(ctx, *userID, *statementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load statement")
	}
	if prev.Status != domain.StatementFailed {
		log.Fatal().Str("status", string(prev.Status)).Msg("Only failed statements can be retried")
	}

	ingestor, err := services.NewIngestor(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingestor")
	}

	document, err := services.Blobs.Get(ctx, prev.BlobURI)
	if err != nil {
		log.Fatal().Err(err).Str("blob_uri", prev.BlobURI).Msg("Failed to load document")
	}

	st := &domain.Statement{
		ID:       uuid.NewString(),
		UserID:   prev.UserID,
		Checksum: prev.Checksum,
		FileName: prev.FileName,
		MIMEType: prev.MIMEType,
		BlobURI:  prev.BlobURI,
		Status:   domain.StatementProcessing,
	}
	if err := services.Repo.CreateStatement(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("Failed to create statement")
	}

	log.Info().Str("statement_id", st.ID).Str("retry_of", prev.ID).Msg("Starting re-ingestion")

	if err := ingestor.ProcessStatement(ctx, st, document); err != nil {
		log.Fatal().Err(err).Str("statement_id", st.ID).Msg("Re-ingestion failed")
	}

	fmt.Printf("Re-ingestion completed: statement %s\n", st.ID)
}

func runRuns(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	fs.Parse(os.Args[2:])

	if *userID == "" {
		log.Fatal().Msg("Error: --user is required")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := openServices(ctx, cfg, log)
	defer services.Close()

	if services.Warehouse == nil {
		log.Fatal().Msg("BIGQUERY_PROJECT is not configured")
	}

	runs, err := services.Warehouse.ListRuns(ctx, *userID, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list runs")
	}

	fmt.Printf("\n=== Ingestion Runs (%d) ===\n", len(runs))
	for _, r := range runs {
		fmt.Printf("%s  %-8s  %s  statement=%s", r.RunID, r.Status, r.StartedTS.Format(time.RFC3339), r.StatementID)
		if r.ItemsInserted.Valid {
			fmt.Printf("  inserted=%d", r.ItemsInserted.Int64)
		}
		if r.ErrorMessage.Valid {
			fmt.Printf("  error=%q", r.ErrorMessage.StringVal)
		}
		fmt.Println()
	}
	fmt.Println()
}

func runMap(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	userID := fs.String("user", "", "User ID")
	merchant := fs.String("merchant", "", "Merchant name")
	category := fs.String("category", "", "Category name")
	fs.Parse(os.Args[2:])

	if *userID == "" || *merchant == "" || *category == "" {
		log.Fatal().Msg("Usage: cli map -user ID -merchant NAME -category NAME")
	}

	ctx := logger.WithContext(context.Background(), log)
	services := openServices(ctx, cfg, log)
	defer services.Close()

	created, err := services.Mappings.Create(ctx, *userID, *merchant, *category)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create merchant mapping")
	}
	applied, err := services.Mappings.Apply(ctx, *userID, *merchant)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply merchant mapping")
	}

	if !created {
		fmt.Printf("Mapping for %s already existed.\n", *merchant)
	}
	fmt.Printf("Re-categorised %d expense(s) for %s.\n", applied, *merchant)
}
