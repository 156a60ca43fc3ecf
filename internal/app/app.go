package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/ledger"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

// Options are command line overrides applied on top of the configuration.
type Options struct {
	DryRun bool
}

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new App instance with all services initialized but not started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	services, err := NewServices(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start starts all services.
// The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.services.Start(a.ctx)

	log.Info().
		Str("service", a.cfg.Target.Service).
		Int32("port", a.cfg.Target.Port).
		Bool("server", a.cfg.Server.Enabled).
		Msg("edgesync started")
	return nil
}

// Submit queues a notification on the running orchestrator.
func (a *App) Submit(n trigger.Notification) error {
	if err := a.services.Sync.Parser.Validate(n); err != nil {
		return err
	}
	a.services.Sync.Orchestrator.Submit(n)
	return nil
}

// RunOnce performs a single run synchronously, bypassing the orchestrator.
func (a *App) RunOnce(ctx context.Context, n trigger.Notification) (*reconcile.Result, error) {
	if err := a.services.Sync.Parser.Validate(n); err != nil {
		return nil, err
	}
	return a.services.Sync.Engine.Run(ctx, n)
}

// History returns the most recent recorded runs.
func (a *App) History(ctx context.Context, limit int) ([]*ledger.Entry, error) {
	if a.services.Ledger == nil {
		return nil, fmt.Errorf("run ledger is disabled")
	}
	return a.services.Ledger.Recent(ctx, limit)
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
