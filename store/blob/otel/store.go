// Package otel provides OpenTelemetry instrumentation for blob stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/queueview/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/queueview/store/blob/otel"

// opMetrics holds the instruments of one blob operation.
type opMetrics struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	bytes   metric.Int64Counter
	errors  metric.Int64Counter
}

// Store wraps a BlobStore with spans and metrics.
// A missing blob is reported as a miss, not as an error.
type Store struct {
	backend store.BlobStore
	opts    *options
	tracer  trace.Tracer

	save   opMetrics
	load   opMetrics
	delete opMetrics
	misses metric.Int64Counter
}

var _ store.BlobStore = (*Store)(nil)

// New wraps backend.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "queueview",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider.Meter(instrumentationName)); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(meter metric.Meter) error {
	ops := []struct {
		name string
		m    *opMetrics
	}{
		{"save", &s.save},
		{"load", &s.load},
		{"delete", &s.delete},
	}

	var err error
	for _, op := range ops {
		prefix := "queueview.blob." + op.name
		if op.m.latency, err = meter.Float64Histogram(prefix+".duration",
			metric.WithDescription("Duration of blob "+op.name+" operations"),
			metric.WithUnit("s")); err != nil {
			return err
		}
		if op.m.count, err = meter.Int64Counter(prefix+".count",
			metric.WithDescription("Number of blob "+op.name+" operations")); err != nil {
			return err
		}
		if op.m.bytes, err = meter.Int64Counter(prefix+".bytes",
			metric.WithDescription("Bytes moved by blob "+op.name+" operations"),
			metric.WithUnit("By")); err != nil {
			return err
		}
		if op.m.errors, err = meter.Int64Counter(prefix+".errors",
			metric.WithDescription("Number of failed blob "+op.name+" operations")); err != nil {
			return err
		}
	}

	s.misses, err = meter.Int64Counter("queueview.blob.load.misses",
		metric.WithDescription("Number of loads of missing blobs"))
	return err
}

func (s *Store) startSpan(ctx context.Context, name string, id store.BlobID) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", s.opts.serviceName)}
	if id != "" {
		attrs = append(attrs, attribute.String("blob.id", string(id)))
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && !store.IsBlobNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (s *Store) record(ctx context.Context, m *opMetrics, start time.Time, size int, err error) {
	if !s.opts.metricsEnabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("service.name", s.opts.serviceName))
	m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	m.count.Add(ctx, 1, attrs)
	switch {
	case err == nil:
		if size > 0 {
			m.bytes.Add(ctx, int64(size), attrs)
		}
	case store.IsBlobNotFound(err):
		s.misses.Add(ctx, 1, attrs)
	default:
		m.errors.Add(ctx, 1, attrs)
	}
}

// Save implements store.BlobStore.
func (s *Store) Save(ctx context.Context, data []byte) (id store.BlobID, err error) {
	start := time.Now()
	ctx, end := s.startSpan(ctx, "blob.Save", "")
	defer func() {
		end(err)
		s.record(ctx, &s.save, start, len(data), err)
	}()
	return s.backend.Save(ctx, data)
}

// Load implements store.BlobStore. Bytes are counted once the caller has
// read the body.
func (s *Store) Load(ctx context.Context, id store.BlobID) (io.ReadCloser, error) {
	start := time.Now()
	ctx, end := s.startSpan(ctx, "blob.Load", id)
	rc, err := s.backend.Load(ctx, id)
	if err != nil {
		end(err)
		s.record(ctx, &s.load, start, 0, err)
		return nil, err
	}
	return &countingReader{ReadCloser: rc, done: func(n int, err error) {
		end(err)
		s.record(ctx, &s.load, start, n, err)
	}}, nil
}

// Delete implements store.BlobStore.
func (s *Store) Delete(ctx context.Context, id store.BlobID) (err error) {
	start := time.Now()
	ctx, end := s.startSpan(ctx, "blob.Delete", id)
	defer func() {
		end(err)
		s.record(ctx, &s.delete, start, 0, err)
	}()
	return s.backend.Delete(ctx, id)
}

// countingReader reports the bytes read when closed.
type countingReader struct {
	io.ReadCloser
	n      int
	err    error
	done   func(int, error)
	closed bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += n
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *countingReader) Close() error {
	err := r.ReadCloser.Close()
	if !r.closed {
		r.closed = true
		r.done(r.n, r.err)
	}
	return err
}
