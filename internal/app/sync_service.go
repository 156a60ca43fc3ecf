package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/config"
	"github.com/dokzlo13/edgesync/internal/firewall"
	"github.com/dokzlo13/edgesync/internal/firewall/ec2"
	"github.com/dokzlo13/edgesync/internal/lock"
	"github.com/dokzlo13/edgesync/internal/ranges"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

// SyncService owns the reconciliation pipeline: source, provider, lock,
// engine and the orchestrator loop feeding it.
type SyncService struct {
	cfg *config.Config

	Parser       *trigger.Parser
	Loader       *ranges.Loader
	Provider     firewall.Provider
	Locker       lock.Locker
	Engine       *reconcile.Engine
	Orchestrator *reconcile.Orchestrator

	redis *redis.Client
}

// NewSyncService creates the pipeline. recorder may be nil.
func NewSyncService(ctx context.Context, cfg *config.Config, recorder reconcile.Recorder, dryRun bool) (*SyncService, error) {
	s := &SyncService{
		cfg:    cfg,
		Parser: trigger.NewParser(cfg.Source.AllowedHosts),
		Loader: ranges.NewLoader(ranges.LoaderConfig{
			Service:      cfg.Target.Service,
			IncludeIPv6:  cfg.Source.IncludeIPv6,
			Digest:       cfg.Source.Digest,
			Timeout:      cfg.Source.Timeout.Duration(),
			MaxBodyBytes: cfg.Source.MaxBodyBytes,
			UserAgent:    cfg.Source.UserAgent,
		}, nil),
	}

	provider, err := newProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}
	s.Provider = provider

	switch cfg.Lock.Backend {
	case "redis":
		client, err := lock.Dial(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = client
		s.Locker = lock.NewRedis(client, cfg.Lock.TTL.Duration(), cfg.Lock.RetryDelay.Duration())
		log.Info().Msg("Using Redis run lock")
	default:
		s.Locker = lock.NewLocal()
	}

	opts := []reconcile.Option{reconcile.WithLocker(s.Locker)}
	if recorder != nil {
		opts = append(opts, reconcile.WithRecorder(recorder))
	}

	s.Engine, err = reconcile.NewEngine(reconcile.Config{
		Target: reconcile.Target{
			Service:  cfg.Target.Service,
			Port:     cfg.Target.Port,
			Protocol: cfg.Target.Protocol,
			Capacity: cfg.Target.Capacity,

			RevokeStale: cfg.Target.RevokeStale,
		},
		Selector:    firewall.Selector(cfg.Selector),
		Workers:     cfg.Reconciler.Workers,
		RateLimit:   cfg.Reconciler.RateLimitRPS,
		CallTimeout: cfg.Reconciler.CallTimeout.Duration(),
		DryRun:      dryRun || cfg.Reconciler.DryRun,
		Verify:      !cfg.Reconciler.SkipVerify,
	}, s.Loader, s.Provider, opts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	s.Orchestrator = reconcile.NewOrchestrator(s.Engine, cfg.Resync.Interval.Duration(), cfg.Resync.Debounce.Duration())
	return s, nil
}

func newProvider(ctx context.Context, cfg config.ProviderConfig) (firewall.Provider, error) {
	switch cfg.Kind {
	case "memory":
		resources := make([]firewall.Resource, 0, len(cfg.Resources))
		for _, r := range cfg.Resources {
			res := firewall.Resource{ID: r.ID, Name: r.Name, Tags: r.Tags}
			for _, f := range r.Fragments {
				res.Fragments = append(res.Fragments, firewall.Fragment{
					Protocol: f.Protocol,
					FromPort: f.FromPort,
					ToPort:   f.ToPort,
					CIDRs:    f.CIDRs,
				})
			}
			resources = append(resources, res)
		}
		log.Warn().Int("resources", len(resources)).Msg("Using in-memory firewall provider, changes are not persisted")
		return firewall.NewMemory(resources...), nil
	default:
		p, err := ec2.NewFromDefaultConfig(ctx, cfg.Region, cfg.RuleDescription)
		if err != nil {
			return nil, fmt.Errorf("failed to create ec2 provider: %w", err)
		}
		return p, nil
	}
}

// Start runs the orchestrator loop in the background.
func (s *SyncService) Start(ctx context.Context) {
	go func() {
		if err := s.Orchestrator.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Orchestrator error")
		}
	}()
}

// Close releases resources.
func (s *SyncService) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}
