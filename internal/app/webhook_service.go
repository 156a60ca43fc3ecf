package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/ledger"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/trigger"
	"github.com/dokzlo13/edgesync/internal/webhook"
)

// WebhookService wraps the notification HTTP server.
type WebhookService struct {
	cfg    *config.Config
	server *webhook.Server
}

// NewWebhookService creates a new WebhookService. l may be nil.
func NewWebhookService(cfg *config.Config, parser *trigger.Parser, orch *reconcile.Orchestrator, l *ledger.Ledger) *WebhookService {
	var history webhook.History
	if l != nil {
		history = l
	}
	server := webhook.NewServer(webhook.Options{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		ConfirmSubscriptions: cfg.Server.ConfirmSubscriptions,
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
	}, parser, orch, orch, history)
	return &WebhookService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the server if enabled.
func (s *WebhookService) Start(ctx context.Context) {
	if !s.cfg.Server.Enabled {
		log.Debug().Msg("Notification server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Notification server error")
		}
	}()
}
