package queueview

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/queueview"
)

// opMetrics holds the latency, count and error instruments of one operation.
type opMetrics struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

func (m *opMetrics) record(ctx context.Context, duration time.Duration, err error, attrs ...attribute.KeyValue) {
	opt := metric.WithAttributes(attrs...)
	m.latency.Record(ctx, duration.Seconds(), opt)
	m.count.Add(ctx, 1, opt)
	if err != nil {
		m.errors.Add(ctx, 1, opt)
	}
}

// otelInstrumentation holds OpenTelemetry instrumentation for the queue view.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	store   opMetrics
	browse  opMetrics
	size    opMetrics
	delete  opMetrics
	advance opMetrics

	deletedItems  metric.Int64Counter
	purgedItems   metric.Int64Counter
	contentErrors metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	ops := []struct {
		name string
		desc string
		dst  *opMetrics
	}{
		{"store", "store mail", &o.store},
		{"browse", "browse", &o.browse},
		{"size", "size", &o.size},
		{"delete", "delete", &o.delete},
		{"advance", "browse start advancement", &o.advance},
	}

	var err error
	for _, op := range ops {
		op.dst.latency, err = meter.Float64Histogram(
			"queueview."+op.name+".duration",
			metric.WithDescription("Duration of "+op.desc+" operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return err
		}

		op.dst.count, err = meter.Int64Counter(
			"queueview."+op.name+".count",
			metric.WithDescription("Number of "+op.desc+" operations"),
		)
		if err != nil {
			return err
		}

		op.dst.errors, err = meter.Int64Counter(
			"queueview."+op.name+".errors",
			metric.WithDescription("Number of "+op.desc+" errors"),
		)
		if err != nil {
			return err
		}
	}

	o.deletedItems, err = meter.Int64Counter(
		"queueview.items.deleted",
		metric.WithDescription("Number of items tombstoned"),
	)
	if err != nil {
		return err
	}

	o.purgedItems, err = meter.Int64Counter(
		"queueview.items.purged",
		metric.WithDescription("Number of item rows removed by garbage collection"),
	)
	if err != nil {
		return err
	}

	o.contentErrors, err = meter.Int64Counter(
		"queueview.content.errors",
		metric.WithDescription("Number of browsed items whose content could not be resolved"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err if non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordStore records store operation metrics.
func (o *otelInstrumentation) recordStore(ctx context.Context, duration time.Duration, queue string, err error) {
	if !o.metricsEnabled {
		return
	}
	o.store.record(ctx, duration, err, attribute.String("queue", queue))
}

// recordBrowse records the setup of a browse.
func (o *otelInstrumentation) recordBrowse(ctx context.Context, duration time.Duration, queue string, err error) {
	if !o.metricsEnabled {
		return
	}
	o.browse.record(ctx, duration, err, attribute.String("queue", queue))
}

// recordSize records size operation metrics.
func (o *otelInstrumentation) recordSize(ctx context.Context, duration time.Duration, queue string, err error) {
	if !o.metricsEnabled {
		return
	}
	o.size.record(ctx, duration, err, attribute.String("queue", queue))
}

// recordDelete records delete operation metrics.
func (o *otelInstrumentation) recordDelete(ctx context.Context, duration time.Duration, queue, condition string, deleted int64, err error) {
	if !o.metricsEnabled {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("queue", queue),
		attribute.String("condition", condition),
	}
	o.delete.record(ctx, duration, err, attrs...)
	if deleted > 0 {
		o.deletedItems.Add(ctx, deleted, metric.WithAttributes(attrs[0]))
	}
}

// recordAdvance records browse start advancement and garbage collection.
func (o *otelInstrumentation) recordAdvance(ctx context.Context, duration time.Duration, queue string, res *AdvanceResult, err error) {
	if !o.metricsEnabled {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("queue", queue),
		attribute.Bool("advanced", res != nil && res.Advanced),
	}
	o.advance.record(ctx, duration, err, attrs...)
	if res != nil && res.PurgedItems > 0 {
		o.purgedItems.Add(ctx, int64(res.PurgedItems), metric.WithAttributes(attrs[0]))
	}
}

// recordContentError counts one unresolved item content.
func (o *otelInstrumentation) recordContentError(ctx context.Context, queue string) {
	if !o.metricsEnabled {
		return
	}
	o.contentErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
