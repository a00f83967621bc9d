package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-sync/internal/amqp"
	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/pipeline"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL is required: the worker consumes ingest jobs from the broker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise services")
	}
	defer services.Close()

	ingestor, err := services.NewIngestor(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingestor")
	}

	log.Info().Msg("Starting worker service")

	consumer := amqp.NewJobConsumer(services.AMQP, cfg.WorkerCount, inmemory.NewStore(), log)
	if err := consumer.Start(ctx, ingestor.HandleJob); err != nil {
		log.Error().Err(err).Msg("Failed to start job consumer")
		services.Close()
		os.Exit(1)
	}

	// Statements whose job was lost with a previous worker are published
	// again; younger ones may still be queued on the broker.
	requeued, err := pipeline.RequeueOrphans(ctx, services.Repo, services.AMQP, time.Now().Add(-cfg.StaleStatementAfter), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to requeue unfinished statements")
	} else if requeued > 0 {
		log.Info().Int("count", requeued).Msg("Requeued unfinished statements")
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	<-ctx.Done()
	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight statements run to a terminal state before the broker
	// connection is closed.
	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
}
