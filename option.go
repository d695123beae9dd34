package queueview

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/queueview/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultSliceWindow           = time.Hour
	DefaultBucketCount           = 1
	DefaultUpdateBrowseStartPace = 1000
	DefaultFanOut                = 8
	DefaultHealthGracePeriod     = 7 * 24 * time.Hour // 7 days
	DefaultShutdownTimeout       = 30 * time.Second

	MinSliceWindow = time.Second
	MaxBucketCount = 1024
)

// options holds queue view configuration.
type options struct {
	store  store.Store
	blobs  store.BlobStore
	logger *slog.Logger
	now    func() time.Time

	// On-disk format
	sliceWindow time.Duration
	bucketCount int

	// Maintenance
	updateBrowseStartPace int
	sampler               Sampler
	purgeContent          bool

	// Bucket fan-out concurrency for browse and GC
	fanOut int

	healthGracePeriod time.Duration
	shutdownTimeout   time.Duration

	limits  EnvelopeLimits
	plugins []Plugin

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "ItemDeleted"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		now:                   time.Now,
		sliceWindow:           DefaultSliceWindow,
		bucketCount:           DefaultBucketCount,
		updateBrowseStartPace: DefaultUpdateBrowseStartPace,
		fanOut:                DefaultFanOut,
		healthGracePeriod:     DefaultHealthGracePeriod,
		shutdownTimeout:       DefaultShutdownTimeout,
		limits:                DefaultLimits(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.sampler == nil {
		o.sampler = NewRateSampler(o.updateBrowseStartPace)
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// viewConfiguration returns the on-disk format implied by the options.
func (o *options) viewConfiguration() store.ViewConfiguration {
	return store.ViewConfiguration{
		SliceWindow: o.sliceWindow,
		BucketCount: o.bucketCount,
	}
}

// Option configures a queue view.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBlobStore sets the content store used to resolve MIME parts.
// Without it, Browse returns items whose content cannot be resolved.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// --- On-disk Format ---

// WithSliceWindow sets the width of a time slice. Default is 1 hour.
// Values below MinSliceWindow are ignored.
//
// The window is part of the on-disk format. Once persisted it may only be
// reduced to a value that evenly divides the stored window.
func WithSliceWindow(d time.Duration) Option {
	return func(o *options) {
		if d >= MinSliceWindow {
			o.sliceWindow = d.Truncate(time.Millisecond)
		}
	}
}

// WithBucketCount sets the number of hash buckets per slice. Default is 1.
// Values outside [1, MaxBucketCount] are ignored.
//
// The bucket count is part of the on-disk format. Once persisted it may
// only grow.
func WithBucketCount(n int) Option {
	return func(o *options) {
		if n >= 1 && n <= MaxBucketCount {
			o.bucketCount = n
		}
	}
}

// --- Maintenance Options ---

// WithUpdateBrowseStartPace sets how often a deletion triggers browse start
// advancement: on average once every n deletions. Default is 1000.
// Ignored when WithSampler is also given.
func WithUpdateBrowseStartPace(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.updateBrowseStartPace = n
		}
	}
}

// WithSampler replaces the random sampling policy deciding when a deletion
// triggers browse start advancement.
func WithSampler(s Sampler) Option {
	return func(o *options) {
		if s != nil {
			o.sampler = s
		}
	}
}

// WithPurgeContent makes garbage collection delete the header and body
// blobs of purged items. Default is false since content-addressed blobs may
// be shared between items.
func WithPurgeContent(enabled bool) Option {
	return func(o *options) {
		o.purgeContent = enabled
	}
}

// WithFanOut bounds how many buckets are read concurrently. Default is 8.
func WithFanOut(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.fanOut = n
		}
	}
}

// WithHealthGracePeriod sets how old a browse start may get before the
// health check reports the queue as stale. Default is 7 days.
func WithHealthGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.healthGracePeriod = d
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight maintenance.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= time.Second {
			o.shutdownTimeout = d
		}
	}
}

// --- OpenTelemetry Options ---

// WithTracing enables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for telemetry and the event bus.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures should
// cause the operation to fail. By default, event failures are logged and
// the operation succeeds.
//
// When true, the mutation is still applied and the caller receives an
// *EventPublishError describing the failed notification.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// --- Validation and Plugins ---

// WithLimits sets the envelope limits enforced by StoreMail and Enqueue.
// Zero fields keep their defaults.
func WithLimits(l EnvelopeLimits) Option {
	return func(o *options) {
		o.limits = l.withDefaults()
	}
}

// WithPlugin registers a plugin. Plugins are initialized on Connect in
// registration order and closed on Close in reverse order.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}
