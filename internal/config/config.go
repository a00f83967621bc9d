package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"

	BlobLocal = "local"
	BlobGCS   = "gcs"
)

type Config struct {
	// HTTP server
	Port     string
	LogLevel string

	// Datastore
	DataBackend  string
	SQLiteDBPath string
	SupabaseURL  string
	SupabaseKey  string

	// Uploaded statements
	BlobBackend  string
	BlobLocalDir string
	GCSBucket    string

	// Extraction
	GeminiAPIKey string
	GeminiModel  string

	// Currency
	BaseCurrency            string
	ForeignCurrencyCategory string
	FXAPIKey                string
	FXBaseURL               string
	FXTimeout               time.Duration
	FXCacheTTL              time.Duration
	FXCacheSize             int

	// Messaging. An empty AMQPURL keeps jobs and change events in-process.
	AMQPURL             string
	AMQPExchange        string
	AMQPJobQueue        string
	AMQPChangesExchange string

	// Workers
	WorkerCount  int
	JobQueueSize int

	// StaleStatementAfter is how long a statement may sit in processing
	// before a starting worker assumes its job was lost and requeues it.
	StaleStatementAfter time.Duration

	// Warehouse. An empty project disables the BigQuery mirror.
	BigQueryProject string
	BigQueryDataset string

	// Live view windows
	RecentMonths     int
	HistoricalMonths int
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataBackend:  getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/finance.db"),
		SupabaseURL:  getEnv("SUPABASE_URL", ""),
		SupabaseKey:  getEnv("SUPABASE_KEY", ""),

		BlobBackend:  getEnv("BLOB_BACKEND", BlobLocal),
		BlobLocalDir: getEnv("BLOB_LOCAL_DIR", "./data/blobs"),
		GCSBucket:    getEnv("GCS_BUCKET", ""),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		BaseCurrency:            strings.ToUpper(getEnv("BASE_CURRENCY", "SGD")),
		ForeignCurrencyCategory: getEnvAllowEmpty("FOREIGN_CURRENCY_CATEGORY", "Travel"),
		FXAPIKey:                getEnv("FX_API_KEY", ""),
		FXBaseURL:               getEnv("FX_BASE_URL", "https://v6.exchangerate-api.com/v6"),
		FXTimeout:               getEnvDuration("FX_TIMEOUT", 10*time.Second),
		FXCacheTTL:              getEnvDuration("FX_CACHE_TTL", 6*time.Hour),
		FXCacheSize:             getEnvInt("FX_CACHE_SIZE", 256),

		AMQPURL:             getEnv("AMQP_URL", ""),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", "finance"),
		AMQPJobQueue:        getEnv("AMQP_JOB_QUEUE", "ingest_statements"),
		AMQPChangesExchange: getEnv("AMQP_CHANGES_EXCHANGE", "finance.changes"),

		WorkerCount:  getEnvInt("WORKER_COUNT", 4),
		JobQueueSize: getEnvInt("JOB_QUEUE_SIZE", 100),

		StaleStatementAfter: getEnvDuration("STALE_STATEMENT_AFTER", 30*time.Minute),

		BigQueryProject: getEnv("BIGQUERY_PROJECT", ""),
		BigQueryDataset: getEnv("BIGQUERY_DATASET", "finance"),

		RecentMonths:     getEnvInt("RECENT_MONTHS", 6),
		HistoricalMonths: getEnvInt("HISTORICAL_MONTHS", 12),
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.DataBackend {
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errors = append(errors, "SUPABASE_URL and SUPABASE_KEY are required when using supabase backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of [%s %s]", c.DataBackend, BackendSQLite, BackendSupabase))
	}

	switch c.BlobBackend {
	case BlobLocal:
		if c.BlobLocalDir == "" {
			errors = append(errors, "BLOB_LOCAL_DIR cannot be empty when using local blob backend")
		}
	case BlobGCS:
		if c.GCSBucket == "" {
			errors = append(errors, "GCS_BUCKET is required when using gcs blob backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid blob backend '%s': must be one of [%s %s]", c.BlobBackend, BlobLocal, BlobGCS))
	}

	if len(c.BaseCurrency) != 3 {
		errors = append(errors, fmt.Sprintf("invalid base currency '%s': must be a 3-letter code", c.BaseCurrency))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" || c.AMQPJobQueue == "" || c.AMQPChangesExchange == "" {
			errors = append(errors, "AMQP exchange, job queue and changes exchange names cannot be empty when AMQP URL is provided")
		}
	}

	if c.WorkerCount < 1 {
		errors = append(errors, fmt.Sprintf("invalid worker count %d: must be at least 1", c.WorkerCount))
	}
	if c.JobQueueSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid job queue size %d: must be at least 1", c.JobQueueSize))
	}
	if c.StaleStatementAfter < 0 {
		errors = append(errors, fmt.Sprintf("invalid stale statement age %s: cannot be negative", c.StaleStatementAfter))
	}
	if c.FXCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid FX cache size %d: must be at least 1", c.FXCacheSize))
	}
	if c.RecentMonths < 1 || c.HistoricalMonths < 1 {
		errors = append(errors, fmt.Sprintf("invalid window sizes %d/%d: both must be at least 1 month", c.RecentMonths, c.HistoricalMonths))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// RequireExtraction reports whether the settings needed to call the
// extraction service are present. Only binaries that ingest need it.
func (c *Config) RequireExtraction() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required to ingest statements")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty distinguishes an unset variable from one set to "".
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
