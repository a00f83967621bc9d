package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-sync/internal/api"
	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	port := flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
	flag.Parse()
	cfg.Port = *port

	log := logger.NewWithLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	startedAt := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	defer services.Close()

	// Without a broker the ingestion workers run in this process. With one,
	// the worker binary runs them and sweeps for lost jobs itself.
	jobStore := inmemory.NewStore()
	var publisher jobs.Publisher
	var queue *inmemory.Queue
	if services.AMQP != nil {
		publisher = inmemory.NewRecorder(services.AMQP, jobStore)
	} else {
		ingestor, err := services.NewIngestor(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ingestor")
		}
		queue = inmemory.NewQueue(cfg.JobQueueSize, cfg.WorkerCount, jobStore, log)
		if err := queue.Start(context.WithoutCancel(ctx), ingestor.HandleJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job workers")
		}
		publisher = queue
		log.Info().Int("workers", cfg.WorkerCount).Msg("Ingestion workers running in-process")

		// A local database belongs to this process alone, so anything left
		// in processing was orphaned by the previous run.
		cutoff := startedAt.Add(-cfg.StaleStatementAfter)
		if cfg.DataBackend == config.BackendSQLite {
			cutoff = startedAt
		}
		requeued, err := pipeline.RequeueOrphans(ctx, services.Repo, queue, cutoff, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to requeue unfinished statements")
		} else if requeued > 0 {
			log.Info().Int("count", requeued).Msg("Requeued unfinished statements")
		}
	}

	router := api.NewRouter(api.Handlers{
		Statements: handlers.NewStatementsHandler(services.Repo, services.Blobs, publisher, services.Hub, log),
		Expenses:   handlers.NewExpensesHandler(services.Repo, services.Resolver, services.Hub, services.Windows(), log),
		Mappings:   handlers.NewMappingsHandler(services.Mappings, log),
		Categories: handlers.NewCategoriesHandler(services.Repo, log),
		Jobs:       handlers.NewJobsHandler(jobStore, services.Repo, log),
	}, log)

	// Streaming responses lift the write deadline per request.
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if services.Relay != nil {
		g.Go(func() error {
			return services.Relay.Run(gctx, services.Hub)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if queue != nil {
			if err := queue.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error stopping job queue")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		services.Close()
		os.Exit(1)
	}

	log.Info().Msg("Server exited")
}
