// Package app builds the shared service graph used by the binaries from a
// loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/amqp"
	"github.com/dvloznov/finance-sync/internal/blob"
	"github.com/dvloznov/finance-sync/internal/categories"
	"github.com/dvloznov/finance-sync/internal/changefeed"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/dedup"
	"github.com/dvloznov/finance-sync/internal/extract"
	"github.com/dvloznov/finance-sync/internal/fx"
	infraBQ "github.com/dvloznov/finance-sync/internal/infra/bigquery"
	"github.com/dvloznov/finance-sync/internal/infra/sqlite"
	"github.com/dvloznov/finance-sync/internal/infra/supabase"
	"github.com/dvloznov/finance-sync/internal/livesync"
	"github.com/dvloznov/finance-sync/internal/pipeline"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// Services holds the long-lived collaborators of a process. Fields for
// optional integrations are nil when they are not configured.
type Services struct {
	Config *config.Config

	Hub  *changefeed.Hub
	Repo *changefeed.PublishingRepository

	Blobs    blob.Store
	Resolver *categories.Resolver
	Mappings *categories.MappingService

	// AMQP and Relay are set when AMQP_URL is configured.
	AMQP  *amqp.Client
	Relay *amqp.ChangeRelay

	// Warehouse is set when BIGQUERY_PROJECT is configured.
	Warehouse *infraBQ.Warehouse

	closers []func() error
	log     zerolog.Logger
}

// New opens the datastore, blob store and optional integrations. Local
// change events always reach Hub; with AMQP they are also relayed so other
// processes see them.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Services, error) {
	s := &Services{
		Config: cfg,
		Hub:    changefeed.NewHub(),
		log:    log,
	}

	repo, err := OpenRepository(cfg)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	s.closers = append(s.closers, repo.Close)

	blobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("New: %w", err)
	}
	s.Blobs = blobs
	if c, ok := blobs.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}

	var publisher changefeed.Publisher = s.Hub
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPJobQueue, cfg.AMQPChangesExchange, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		s.AMQP = client
		s.Relay = amqp.NewChangeRelay(client)
		s.closers = append(s.closers, client.Close)
		publisher = changefeed.MultiPublisher{s.Hub, s.Relay}
	}

	if cfg.BigQueryProject != "" {
		wh, err := infraBQ.NewWarehouse(ctx, cfg.BigQueryProject, cfg.BigQueryDataset)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		s.Warehouse = wh
		s.closers = append(s.closers, wh.Close)
	}

	s.Repo = changefeed.NewPublishingRepository(repo, publisher, log)
	s.Resolver = categories.NewResolver(s.Repo, s.Repo, log)
	s.Mappings = categories.NewMappingService(s.Resolver, s.Repo, s.Repo)

	log.Info().
		Str("data_backend", cfg.DataBackend).
		Str("blob_backend", cfg.BlobBackend).
		Bool("amqp", s.AMQP != nil).
		Bool("warehouse", s.Warehouse != nil).
		Msg("services initialised")

	return s, nil
}

// OpenRepository opens the configured datastore.
func OpenRepository(cfg *config.Config) (store.Repository, error) {
	switch cfg.DataBackend {
	case config.BackendSupabase:
		return supabase.NewRepository(cfg.SupabaseURL, cfg.SupabaseKey)
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLiteDBPath)
	default:
		return nil, fmt.Errorf("OpenRepository: unknown data backend %q", cfg.DataBackend)
	}
}

// OpenBlobStore opens the configured document store.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BlobGCS:
		return blob.NewGCSStore(ctx, cfg.GCSBucket)
	case config.BlobLocal:
		return blob.NewLocalStore(cfg.BlobLocalDir)
	default:
		return nil, fmt.Errorf("OpenBlobStore: unknown blob backend %q", cfg.BlobBackend)
	}
}

// Windows returns the default live view window sizes.
func (s *Services) Windows() livesync.Config {
	return livesync.Config{
		RecentMonths:     s.Config.RecentMonths,
		HistoricalMonths: s.Config.HistoricalMonths,
	}
}

// NewIngestor wires the ingestion pipeline. It needs the extraction
// settings.
func (s *Services) NewIngestor(ctx context.Context) (*pipeline.Ingestor, error) {
	cfg := s.Config
	if err := cfg.RequireExtraction(); err != nil {
		return nil, fmt.Errorf("NewIngestor: %w", err)
	}

	extractor, err := extract.NewGeminiExtractor(ctx, extract.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		BaseCurrency:    cfg.BaseCurrency,
		ForeignCategory: cfg.ForeignCurrencyCategory,
	}, s.log)
	if err != nil {
		return nil, fmt.Errorf("NewIngestor: %w", err)
	}

	rates := fx.NewCachedRates(fx.NewHTTPRateSource(cfg.FXBaseURL, cfg.FXAPIKey, cfg.FXTimeout), cfg.FXCacheSize, cfg.FXCacheTTL)

	deps := pipeline.Deps{
		Statements:      s.Repo,
		Extractor:       extractor,
		Resolver:        s.Resolver,
		Currency:        fx.NewNormalizer(cfg.BaseCurrency, rates, s.log),
		Gate:            dedup.NewGate(s.Repo, s.log),
		Documents:       s.Blobs,
		ForeignCategory: cfg.ForeignCurrencyCategory,
	}
	if s.Warehouse != nil {
		deps.Auditor = s.Warehouse
	}
	return pipeline.NewIngestor(deps, s.log), nil
}

// Close releases everything New opened, most recent first.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
