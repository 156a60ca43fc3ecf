package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/app"
	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	url := flag.String("url", "", "Run once against this range document URL and exit")
	checksum := flag.String("checksum", "", "Expected document digest for --url")
	dryRun := flag.Bool("dry-run", false, "Plan changes without applying them")
	history := flag.Int("history", 0, "Print the N most recent runs and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using process environment")
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	log.Info().Str("config", configPath).Bool("dry_run", *dryRun).Msg("Starting edgesync")

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	// Create application
	application, err := app.New(ctx, cfg, app.Options{DryRun: *dryRun})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	switch {
	case *history > 0:
		os.Exit(printHistory(ctx, application, *history))
	case *url != "":
		os.Exit(runOnce(ctx, application, trigger.Notification{URL: *url, Checksum: *checksum}))
	}

	// Start the application
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

func runOnce(ctx context.Context, application *app.App, n trigger.Notification) int {
	defer application.Stop()

	res, err := application.RunOnce(ctx, n)
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			log.Error().Err(encErr).Msg("Failed to print result")
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		return 1
	}
	return 0
}

func printHistory(ctx context.Context, application *app.App, limit int) int {
	defer application.Stop()

	entries, err := application.History(ctx, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read run history")
		return 1
	}
	for _, e := range entries {
		fmt.Printf("%s  %-20s  %s  calls=%v  %s\n",
			e.Timestamp.Local().Format(time.RFC3339), e.EventType, e.RunID, e.Payload["calls"], e.URL)
	}
	return 0
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		// JSON output for production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
