// Package telemetry installs the process tracer provider. Finished spans are
// written to the structured log.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls tracing.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64
}

// LogExporter is a span exporter writing one log line per finished span.
type LogExporter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogExporter creates an exporter logging at level.
func NewLogExporter(logger zerolog.Logger, level zerolog.Level) *LogExporter {
	return &LogExporter{logger: logger, level: level}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		level := e.level
		if s.Status().Code == codes.Error {
			level = zerolog.WarnLevel
		}

		ev := e.logger.WithLevel(level).
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		if s.Parent().IsValid() {
			ev = ev.Str("parent_span_id", s.Parent().SpanID().String())
		}
		if s.Status().Code == codes.Error {
			ev = ev.Str("status", s.Status().Description)
		}
		for _, kv := range s.Attributes() {
			ev = ev.Interface(string(kv.Key), kv.Value.AsInterface())
		}
		ev.Msg("Span finished")
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(ctx context.Context) error { return nil }

// Setup installs a global tracer provider when tracing is enabled. The
// returned function flushes and stops it.
func Setup(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "edgesync"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", name),
	))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build trace resource, using default")
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(NewLogExporter(log.Logger, zerolog.DebugLevel))),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("service", name).Float64("sample_ratio", cfg.SampleRatio).Msg("Tracing enabled")

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
