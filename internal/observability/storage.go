package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"powergate/internal/storage"
)

// InstrumentedBackend wraps a storage.Backend with a span, a latency
// histogram and an error counter per operation. storage.ErrNotFound is a
// normal outcome for a first-time client and is not counted as an error.
type InstrumentedBackend struct {
	inner    storage.Backend
	backend  string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.Backend = (*InstrumentedBackend)(nil)

// InstrumentOption configures an InstrumentedBackend.
type InstrumentOption func(*instrumentConfig)

type instrumentConfig struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) InstrumentOption {
	return func(c *instrumentConfig) { c.meterProvider = mp }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(c *instrumentConfig) { c.tracerProvider = tp }
}

// NewInstrumentedBackend wraps inner. backend names the storage type on
// every span and data point.
func NewInstrumentedBackend(inner storage.Backend, backend string, opts ...InstrumentOption) (*InstrumentedBackend, error) {
	cfg := instrumentConfig{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	meter := cfg.meterProvider.Meter("powergate/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of rate limit storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of failed rate limit storage operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBackend{
		inner:    inner,
		backend:  backend,
		tracer:   cfg.tracerProvider.Tracer("powergate/storage"),
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (b *InstrumentedBackend) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.operation", operation),
			attribute.String("storage.backend", b.backend),
		),
	)
}

func (b *InstrumentedBackend) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", b.backend),
	)
	b.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (b *InstrumentedBackend) Get(ctx context.Context, key string) ([]int64, error) {
	ctx, span := b.startSpan(ctx, "Get")
	start := time.Now()
	ts, err := b.inner.Get(ctx, key)
	span.SetAttributes(attribute.Int("storage.timestamps", len(ts)))
	b.record(ctx, span, "Get", start, err)
	return ts, err
}

func (b *InstrumentedBackend) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	ctx, span := b.startSpan(ctx, "Put")
	span.SetAttributes(attribute.Int("storage.timestamps", len(timestamps)))
	start := time.Now()
	err := b.inner.Put(ctx, key, timestamps, ttl)
	b.record(ctx, span, "Put", start, err)
	return err
}

func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	ctx, span := b.startSpan(ctx, "Ping")
	start := time.Now()
	err := b.inner.Ping(ctx)
	b.record(ctx, span, "Ping", start, err)
	return err
}

func (b *InstrumentedBackend) Close() error {
	return b.inner.Close()
}
