// Command extract-pdf runs extraction over a local statement and prints
// every candidate as a JSON line without storing anything. It is meant for
// checking how a bank's layout is read before uploading real statements.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/categories"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/extract"
	"github.com/dvloznov/finance-sync/internal/logger"
	"google.golang.org/api/iterator"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.LogLevel)

	file := flag.String("file", "", "Path to the statement PDF (required)")
	vocab := flag.String("categories", "", "Comma-separated category names (defaults to the built-in list)")
	flag.Parse()

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}
	if err := cfg.RequireExtraction(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	document, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to read statement")
	}

	vocabulary := categories.DefaultVocabulary
	if *vocab != "" {
		vocabulary = strings.Split(*vocab, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	extractor, err := extract.NewGeminiExtractor(ctx, extract.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		BaseCurrency:    cfg.BaseCurrency,
		ForeignCategory: cfg.ForeignCurrencyCategory,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create extractor")
	}

	stream, err := extractor.Extract(ctx, document, http.DetectContentType(document), vocabulary)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start extraction")
	}
	defer stream.Close()

	enc := json.NewEncoder(os.Stdout)
	count, skipped := 0, 0
	for {
		c, err := stream.Next(ctx)
		if errors.Is(err, iterator.Done) {
			break
		}
		if extract.IsItemError(err) {
			log.Warn().Err(err).Msg("Skipping malformed transaction")
			skipped++
			continue
		}
		if err != nil {
			log.Fatal().Err(err).Int("extracted", count).Msg("Extraction failed")
		}
		if err := enc.Encode(c); err != nil {
			log.Fatal().Err(err).Msg("Failed to write candidate")
		}
		count++
	}

	fmt.Fprintf(os.Stderr, "Extracted %d transaction(s), skipped %d.\n", count, skipped)
}
