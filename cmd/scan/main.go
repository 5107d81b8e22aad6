package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veritrace/veritrace/internal/archive"
	"github.com/veritrace/veritrace/internal/config"
	"github.com/veritrace/veritrace/internal/domain"
	"github.com/veritrace/veritrace/internal/fingerprint"
	"github.com/veritrace/veritrace/internal/logger"
	"github.com/veritrace/veritrace/internal/repository"
	"github.com/veritrace/veritrace/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "veritrace-scan",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	mediaPath := flag.String("media", "", "Path to the media file to check")
	store := flag.Bool("store", false, "Store a verdict instead of checking the cache")
	deepfake := flag.Bool("deepfake", false, "Verdict: content is a deepfake (with -store)")
	confidence := flag.Float64("confidence", 0, "Verdict confidence 0..1 (with -store)")
	stats := flag.Bool("stats", false, "Print store statistics and exit")
	cleanup := flag.Bool("cleanup", false, "Remove records outside the retention window and exit")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize media archive when enabled
	var mediaArchive archive.ObjectStorage
	if cfg.Archive.Enabled {
		mediaArchive, err = archive.New(&cfg.Archive)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive")
		}
	}

	fingerprintRepo := repository.NewFingerprintRepository(db, cfg.Database.Path)
	sampler := fingerprint.NewSampler(cfg.Fingerprint.NumFrames)

	cacheService := service.NewCacheService(
		fingerprintRepo,
		sampler,
		mediaArchive,
		appLogger,
		&service.CacheConfig{
			HammingThreshold: cfg.Fingerprint.HammingThreshold,
			LSHBands:         cfg.Fingerprint.LSHBands,
			MaxAgeDays:       cfg.Retention.MaxAgeDays,
		},
	)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	switch {
	case *stats:
		st, err := cacheService.Stats(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load statistics")
		}
		printJSON(st)

	case *cleanup:
		removed, err := cacheService.Cleanup(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to clean up")
		}
		appLogger.WithField(logger.FieldCount, removed).Info("Cleanup completed")

	case *store:
		if *mediaPath == "" {
			appLogger.Fatal("Flag -media is required with -store")
		}
		rec, err := cacheService.StoreResult(ctx, *mediaPath, domain.Verdict{
			IsDeepfake: *deepfake,
			Confidence: *confidence,
		}, "")
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to store result")
		}
		printJSON(rec)

	default:
		if *mediaPath == "" {
			appLogger.Fatal("Flag -media is required")
		}
		hit, err := cacheService.CheckCache(ctx, *mediaPath)
		if err != nil {
			appLogger.WithError(err).Fatal("Cache check failed")
		}
		if hit == nil {
			fmt.Println(`{"hit": false}`)
			return
		}
		printJSON(hit)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("Failed to encode output: %v", err)
		return
	}
	fmt.Println(string(out))
}
