package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/db"
	"github.com/dokzlo13/edgesync/internal/ledger"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/telemetry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger

	// High-level services
	Sync          *SyncService
	LedgerCleanup *LedgerService
	Webhook       *WebhookService

	shutdownTracing func(context.Context) error
}

// NewServices creates all services with proper dependency injection.
func NewServices(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{cfg: cfg}

	shutdown, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.Telemetry.Tracing,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	s.shutdownTracing = shutdown

	// Initialize database and ledger
	var recorder reconcile.Recorder
	if cfg.Ledger.Enabled {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.LedgerCleanup = NewLedgerService(cfg, s.Ledger)
		recorder = s.Ledger
	}

	s.Sync, err = NewSyncService(ctx, cfg, recorder, opts.DryRun)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Webhook = NewWebhookService(cfg, s.Sync.Parser, s.Sync.Orchestrator, s.Ledger)

	return s, nil
}

// Start starts all background services.
func (s *Services) Start(ctx context.Context) {
	s.Sync.Start(ctx)
	if s.LedgerCleanup != nil {
		s.LedgerCleanup.Start(ctx)
	}
	s.Webhook.Start(ctx)
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Sync != nil {
		s.Sync.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
