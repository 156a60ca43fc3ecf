package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/app"
	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

const defaultConfigPath = "config.yaml"

type handler struct {
	app    *app.App
	parser *trigger.Parser
}

// handle runs one convergence per SNS record. Any failure fails the
// invocation so SNS retries delivery.
func (h *handler) handle(ctx context.Context, ev events.SNSEvent) error {
	notifications, err := h.parser.FromSNSEvent(ev)
	if err != nil {
		log.Error().Err(err).Int("records", len(ev.Records)).Msg("Rejected SNS event")
		return err
	}

	var errs []error
	for _, n := range notifications {
		res, err := h.app.RunOnce(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.URL, err))
			continue
		}
		log.Info().Str("run_id", res.RunID).Str("status", string(res.Status())).Msg("Notification processed")
	}
	return errors.Join(errs...)
}

func main() {
	path := os.Getenv("EDGESYNC_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("Failed to load configuration")
	}

	// CloudWatch wants one JSON object per line
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Each invocation is handled synchronously
	cfg.Server.Enabled = false
	cfg.Resync.Interval = 0

	application, err := app.New(context.Background(), cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	h := &handler{
		app:    application,
		parser: trigger.NewParser(cfg.Source.AllowedHosts),
	}
	lambda.Start(h.handle)
}
