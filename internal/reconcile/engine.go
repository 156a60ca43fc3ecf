package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dokzlo13/edgesync/internal/firewall"
	"github.com/dokzlo13/edgesync/internal/lock"
	"github.com/dokzlo13/edgesync/internal/ranges"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

// Source loads the desired CIDR set announced by a notification.
type Source interface {
	Load(ctx context.Context, url, checksum string) (*ranges.Document, *ranges.Set, error)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Config is the immutable engine configuration.
type Config struct {
	Target      Target
	Selector    firewall.Selector
	Workers     int
	RateLimit   float64 // mutating calls per second, 0 for unlimited
	CallTimeout time.Duration
	DryRun      bool
	Verify      bool
}

// Engine runs one convergence pass per notification.
type Engine struct {
	cfg      Config
	source   Source
	provider firewall.Provider
	applier  *applier
	locker   lock.Locker
	recorder Recorder
	tracer   trace.Tracer
	metrics  instruments
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	locker   lock.Locker
	recorder Recorder
	tp       trace.TracerProvider
	mp       metric.MeterProvider
}

// WithLocker serializes runs through l instead of an in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(o *engineOptions) { o.locker = l }
}

// WithRecorder persists every finished run.
func WithRecorder(r Recorder) Option {
	return func(o *engineOptions) { o.recorder = r }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *engineOptions) { o.tp = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) { o.mp = mp }
}

// NewEngine creates an engine.
func NewEngine(cfg Config, source Source, provider firewall.Provider, opts ...Option) (*Engine, error) {
	if cfg.Target.Capacity == 0 {
		cfg.Target.Capacity = DefaultCapacity
	}
	if cfg.Target.Protocol == "" {
		cfg.Target.Protocol = firewall.ProtocolTCP
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	if source == nil || provider == nil {
		return nil, fmt.Errorf("source and provider are required")
	}

	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = lock.NewLocal()
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.mp == nil {
		o.mp = otel.GetMeterProvider()
	}

	return &Engine{
		cfg:      cfg,
		source:   source,
		provider: provider,
		applier:  newApplier(provider, cfg.Workers, cfg.RateLimit, cfg.CallTimeout),
		locker:   o.locker,
		recorder: o.recorder,
		tracer:   o.tp.Tracer(instrumentationName),
		metrics:  newInstruments(o.mp),
	}, nil
}

// Target returns the managed target.
func (e *Engine) Target() Target { return e.cfg.Target }

// Run converges the managed resources to the list announced by n. The
// returned result is never nil; the error joins the fatal error and every
// failed mutation.
func (e *Engine) Run(ctx context.Context, n trigger.Notification) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		URL:       n.URL,
		Checksum:  n.Checksum,
		DryRun:    e.cfg.DryRun,
		StartedAt: time.Now().UTC(),
	}
	logger := log.With().Str("run_id", res.RunID).Logger()

	ctx, span := e.tracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("service", e.cfg.Target.Service),
		attribute.Int("port", int(e.cfg.Target.Port)),
		attribute.Bool("dry_run", e.cfg.DryRun),
	))

	logger.Info().Str("url", n.URL).Bool("dry_run", e.cfg.DryRun).Msg("Run started")

	lockCtx, release, err := e.locker.Lock(ctx, e.cfg.Target.LockKey())
	if err != nil {
		res.Fatal = fmt.Errorf("acquire run lock: %w", err)
	} else {
		res.Fatal = e.converge(lockCtx, logger, n, res)
		release()
	}

	res.FinishedAt = time.Now().UTC()
	runErr := res.Err()
	span.SetAttributes(
		attribute.String("status", string(res.Status())),
		attribute.Int("calls", res.Calls()),
	)
	endSpan(span, runErr)

	e.metrics.record(ctx, res)
	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run")
		}
	}

	ev := logger.Info()
	if runErr != nil {
		ev = logger.Error().Err(runErr)
	}
	ev.Str("status", string(res.Status())).
		Int("desired", res.Desired).
		Int("resources", res.Resources).
		Int("revoked", res.Revoked()).
		Int("authorized", res.Authorized()).
		Int("calls", res.Calls()).
		Dur("duration", res.Duration()).
		Msg("Run finished")

	return res, runErr
}

func (e *Engine) converge(ctx context.Context, logger zerolog.Logger, n trigger.Notification, res *Result) error {
	target := e.cfg.Target

	doc, desired, err := e.load(ctx, n)
	if err != nil {
		return err
	}
	res.SyncToken = doc.SyncToken
	res.Desired = desired.Len()

	resources, err := e.read(ctx, "reconcile.read_state")
	if err != nil {
		return err
	}
	res.Resources = len(resources)
	logger.Info().Int("desired", desired.Len()).Int("resources", len(resources)).Str("sync_token", doc.SyncToken).Msg("State loaded")

	revocations, residual, err := Diff(desired, resources, target)
	if err != nil {
		return err
	}
	logger.Info().Int("revoke_calls", revocations.Calls()).Int("residual", residual.Len()).Msg("Diff computed")

	additions, err := e.allocate(ctx, "reconcile.preflight", residual, Project(resources, revocations), target)
	if err != nil {
		return err
	}
	logger.Info().Int("authorize_calls", len(additions)).Int("cidrs", additions.CIDRCount()).Msg("Allocation planned")

	if e.cfg.DryRun {
		for _, r := range revocations {
			if !r.Empty() {
				res.PlannedRevocations = append(res.PlannedRevocations, r)
			}
		}
		res.PlannedAdditions = additions
		for _, r := range res.PlannedRevocations {
			logger.Info().Str("resource", r.ResourceID).Int("cidrs", r.CIDRCount()).Msg("Would revoke")
		}
		for _, a := range additions {
			logger.Info().Str("resource", a.ResourceID).Int("cidrs", len(a.Fragment.CIDRs)).Msg("Would authorize")
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tasks := revokeTasks(revocations)
	if len(tasks) > 0 {
		res.Revocations = e.apply(ctx, logger, "reconcile.revoke", tasks)

		resources, err = e.read(ctx, "reconcile.reread")
		if err != nil {
			return err
		}
		present, err := presentInScope(resources, target)
		if err != nil {
			return err
		}
		residual = residual.Without(present...)

		additions, err = e.allocate(ctx, "reconcile.allocate", residual, resources, target)
		if err != nil {
			return err
		}
	}

	if len(additions) > 0 {
		res.Additions = e.apply(ctx, logger, "reconcile.authorize", authorizeTasks(additions))
	}

	if e.cfg.Verify && len(res.MutationErrors()) == 0 {
		if res.Calls() == 0 {
			// Nothing changed since the read
			e.verify(ctx, logger, desired, resources, res)
		} else {
			e.verify(ctx, logger, desired, nil, res)
		}
	}
	return nil
}

func (e *Engine) load(ctx context.Context, n trigger.Notification) (*ranges.Document, *ranges.Set, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.load")
	doc, desired, err := e.source.Load(ctx, n.URL, n.Checksum)
	if err == nil {
		span.SetAttributes(attribute.Int("desired", desired.Len()))
	}
	endSpan(span, err)
	return doc, desired, err
}

func (e *Engine) read(ctx context.Context, name string) ([]firewall.Resource, error) {
	ctx, span := e.tracer.Start(ctx, name)
	resources, err := e.provider.ListMatching(ctx, e.cfg.Selector)
	if err != nil {
		err = &ResourceReadError{Err: err}
	} else {
		span.SetAttributes(attribute.Int("resources", len(resources)))
	}
	endSpan(span, err)
	return resources, err
}

func (e *Engine) allocate(ctx context.Context, name string, residual *ranges.Set, resources []firewall.Resource, target Target) (AdditionPlan, error) {
	_, span := e.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int("residual", residual.Len())))
	plan, err := Allocate(residual, resources, target)
	endSpan(span, err)
	return plan, err
}

func (e *Engine) apply(ctx context.Context, logger zerolog.Logger, name string, tasks []task) []Outcome {
	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int("calls", len(tasks))))
	outcomes := e.applier.run(ctx, logger, tasks)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed", failed))
	var err error
	if failed > 0 {
		err = fmt.Errorf("%d of %d calls failed", failed, len(tasks))
	}
	endSpan(span, err)
	return outcomes
}

// verify checks resources against desired, listing them again when resources
// is nil.
func (e *Engine) verify(ctx context.Context, logger zerolog.Logger, desired *ranges.Set, resources []firewall.Resource, res *Result) {
	ctx, span := e.tracer.Start(ctx, "reconcile.verify")
	if resources == nil {
		var err error
		resources, err = e.provider.ListMatching(ctx, e.cfg.Selector)
		if err != nil {
			logger.Warn().Err(err).Msg("Verification read failed")
			endSpan(span, err)
			return
		}
	}
	drift, err := Verify(desired, resources, e.cfg.Target)
	if err != nil {
		logger.Warn().Err(err).Msg("Verification failed")
		endSpan(span, err)
		return
	}
	res.Drift = drift
	span.SetAttributes(attribute.Bool("converged", drift.Converged()))
	endSpan(span, nil)

	if !drift.Converged() {
		logger.Warn().
			Strs("missing", drift.Missing).
			Strs("unexpected", drift.Unexpected).
			Strs("duplicated", drift.Duplicated).
			Strs("over_capacity", drift.OverCapacity).
			Bool("equivalent", drift.Equivalent).
			Msg("Actual rules differ from desired after run")
	}
}
