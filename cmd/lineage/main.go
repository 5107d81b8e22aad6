package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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
		ServiceName: "veritrace-lineage",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	command := flag.String("cmd", "", "Command: register, family, origin, tree, sighting, timeline, locations, stats, report")
	contentHash := flag.String("hash", "", "Content hash of the target")
	perceptualHash := flag.String("phash", "", "Perceptual hash (register, family, origin)")
	mediaPath := flag.String("media", "", "Local media path for frame-level mutation analysis (register)")
	deepfake := flag.Bool("deepfake", false, "Verdict: content is a deepfake (register)")
	confidence := flag.Float64("confidence", 0, "Verdict confidence 0..1 (register)")
	platform := flag.String("platform", "", "Source platform (register, sighting)")
	url := flag.String("url", "", "Source URL (register, sighting)")
	country := flag.String("country", "", "Origin country (register, sighting)")
	city := flag.String("city", "", "Origin city (register, sighting)")
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

	lineageRepo := repository.NewLineageRepository(db)
	sightingRepo := repository.NewSightingRepository(db)
	sampler := fingerprint.NewSampler(cfg.Fingerprint.NumFrames)

	lineageService := service.NewLineageService(
		lineageRepo,
		sightingRepo,
		sampler,
		appLogger,
		&service.LineageConfig{
			HammingThreshold: cfg.Lineage.HammingThreshold,
			LSHBands:         cfg.Lineage.LSHBands,
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

	geo := &domain.GeoContext{Country: *country, City: *city}

	switch *command {
	case "register":
		requireFlags(appLogger, "hash", *contentHash, "phash", *perceptualHash)
		node, err := lineageService.Register(ctx, &service.RegisterInput{
			ContentHash:    *contentHash,
			PerceptualHash: *perceptualHash,
			IsDeepfake:     *deepfake,
			Confidence:     *confidence,
			SourcePlatform: *platform,
			SourceURL:      *url,
			MediaPath:      *mediaPath,
			Geo:            geo,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to register")
		}
		printJSON(node)

	case "family":
		requireFlags(appLogger, "phash", *perceptualHash)
		family, err := lineageService.Family(ctx, *perceptualHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to find family")
		}
		printJSON(family)

	case "origin":
		requireFlags(appLogger, "phash", *perceptualHash)
		origin, err := lineageService.Origin(ctx, *perceptualHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to find origin")
		}
		if origin == nil {
			fmt.Println("{}")
			return
		}
		printJSON(origin)

	case "tree":
		requireFlags(appLogger, "hash", *contentHash)
		tree, err := lineageService.Tree(ctx, *contentHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to build tree")
		}
		printJSON(tree)

	case "sighting":
		requireFlags(appLogger, "hash", *contentHash, "platform", *platform)
		event, err := lineageService.RecordSighting(ctx, &service.SightingInput{
			ContentHash: *contentHash,
			Platform:    *platform,
			URL:         *url,
			Geo:         geo,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to record sighting")
		}
		printJSON(event)

	case "timeline":
		requireFlags(appLogger, "hash", *contentHash)
		events, err := lineageService.Timeline(ctx, *contentHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load timeline")
		}
		printJSON(events)

	case "locations":
		requireFlags(appLogger, "hash", *contentHash)
		locations, err := lineageService.SpreadLocations(ctx, *contentHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load spread locations")
		}
		printJSON(locations)

	case "stats":
		stats, err := lineageService.Statistics(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load statistics")
		}
		printJSON(stats)

	case "report":
		requireFlags(appLogger, "hash", *contentHash)
		report, err := lineageService.Report(ctx, *contentHash)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to build report")
		}
		fmt.Println(report)

	default:
		appLogger.WithField("cmd", *command).Fatal("Unknown command")
	}
}

// requireFlags fails fast when a required flag value is missing. Arguments
// alternate flag name and value.
func requireFlags(log *logger.Logger, pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			log.WithField("flag", pairs[i]).Fatal("Missing required flag")
		}
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
