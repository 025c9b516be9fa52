package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	chunker "github.com/verdantlab/chunker"
	"github.com/verdantlab/chunker/processor"
)

func main() {
	// Configure logging early so LoadFromEnv can emit helpful errors.
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(os.Stderr)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg := chunker.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("component", "chunker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chunker.OpenStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open registry database")
	}
	defer store.Close()

	storage, err := chunker.NewS3Storage(ctx, cfg.S3Bucket)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object storage")
	}

	lock, err := chunker.AcquireProcessLock(ctx, store.DB())
	if err != nil {
		// includes ErrProcessingOverlap: a second batch must fail loudly,
		// never queue behind a running one
		logger.Fatal().Err(err).Msg("failed to acquire processing lock")
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to release processing lock")
		}
	}()

	driver := processor.NewDriver(store, store, storage, store, cfg.ProcessorOptions(), logger)

	logger.Info().Int("page_size", cfg.PageSize).Int("concurrency", cfg.Concurrency).
		Msg("starting file processing batch")

	if err := driver.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("batch terminated")
	}

	logger.Info().Msg("batch complete")
}
