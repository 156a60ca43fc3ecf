package reconcile

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dokzlo13/edgesync/internal/reconcile"

// instruments holds the run metrics. Instruments that fail to register are
// left nil and skipped.
type instruments struct {
	runs      metric.Int64Counter
	calls     metric.Int64Counter
	cidrs     metric.Int64Counter
	durations metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) instruments {
	m := mp.Meter(instrumentationName)
	var in instruments
	var err error

	if in.runs, err = m.Int64Counter("edgesync.runs",
		metric.WithDescription("Reconciliation runs by status")); err != nil {
		log.Warn().Err(err).Msg("Failed to register runs counter")
	}
	if in.calls, err = m.Int64Counter("edgesync.mutations",
		metric.WithDescription("Mutating provider calls by op and outcome")); err != nil {
		log.Warn().Err(err).Msg("Failed to register mutations counter")
	}
	if in.cidrs, err = m.Int64Counter("edgesync.cidrs",
		metric.WithDescription("CIDRs revoked or authorized")); err != nil {
		log.Warn().Err(err).Msg("Failed to register cidrs counter")
	}
	if in.durations, err = m.Float64Histogram("edgesync.run.duration",
		metric.WithDescription("Run wall time"), metric.WithUnit("s")); err != nil {
		log.Warn().Err(err).Msg("Failed to register duration histogram")
	}
	return in
}

func (in instruments) record(ctx context.Context, res *Result) {
	status := attribute.String("status", string(res.Status()))
	if in.runs != nil {
		in.runs.Add(ctx, 1, metric.WithAttributes(status, attribute.Bool("dry_run", res.DryRun)))
	}
	if in.durations != nil {
		in.durations.Record(ctx, res.Duration().Seconds(), metric.WithAttributes(status))
	}
	for _, outcomes := range [][]Outcome{res.Revocations, res.Additions} {
		for _, o := range outcomes {
			attrs := metric.WithAttributes(attribute.String("op", string(o.Op)), attribute.Bool("ok", o.Err == nil))
			if in.calls != nil {
				in.calls.Add(ctx, 1, attrs)
			}
			if in.cidrs != nil && o.Err == nil {
				in.cidrs.Add(ctx, int64(o.CIDRs), metric.WithAttributes(attribute.String("op", string(o.Op))))
			}
		}
	}
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
