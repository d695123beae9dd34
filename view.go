package queueview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/queueview/store"
	"golang.org/x/sync/semaphore"
)

// View is the browsable index of one or more mail queues.
//
// Items are indexed on enqueue, hidden by a tombstone on delete, and
// physically removed once every earlier item of their queue is gone.
// All methods are safe for concurrent use by multiple goroutines and by
// multiple processes sharing the same store.
type View interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool

	// Events returns per-view event instances for subscribing and publishing.
	// Returns nil before Connect.
	Events() *ViewEvents

	// Initialize sets up a queue. Safe to call concurrently and repeatedly.
	Initialize(ctx context.Context, queue string) error

	// StoreMail indexes a mail whose content was already written to the
	// blob store. It returns once the item is durably indexed.
	StoreMail(ctx context.Context, queue string, mail Mail) (*store.EnqueuedItem, error)

	// Enqueue writes raw MIME content to the blob store, then indexes the mail.
	Enqueue(ctx context.Context, queue string, mail Mail, raw []byte) (*store.EnqueuedItem, error)

	// Browse returns the live items of a queue with resolved content, in
	// approximate enqueue order. Each call re-scans the store.
	Browse(ctx context.Context, queue string) (MailIterator, error)

	// BrowseReferences is Browse without content resolution.
	BrowseReferences(ctx context.Context, queue string) (ItemIterator, error)

	// Size counts the live items of a queue. It scans the whole queue.
	Size(ctx context.Context, queue string) (int64, error)

	// Delete tombstones every item matching the condition and returns how
	// many items were affected.
	Delete(ctx context.Context, queue string, condition DeleteCondition) (int64, error)

	// ConsiderDeleted tombstones one enqueue attempt unconditionally and
	// may trigger browse start advancement.
	ConsiderDeleted(ctx context.Context, queue, enqueueID string) error

	// IsPresent reports whether an enqueue attempt is stored and not
	// tombstoned. Never-stored, tombstoned and purged ids all report false.
	IsPresent(ctx context.Context, queue, enqueueID string) (bool, error)

	// AdvanceBrowseStart advances the browse start of a queue as far as the
	// live data allows and garbage collects the slices left behind.
	AdvanceBrowseStart(ctx context.Context, queue string) (*AdvanceResult, error)

	// Maintain runs AdvanceBrowseStart for every known queue.
	Maintain(ctx context.Context) ([]*AdvanceResult, error)

	// Health reports queues whose browse start is older than the grace period.
	Health(ctx context.Context) (*HealthReport, error)
}

// Connection states for the view.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// DefaultMaxConcurrentMaintenance bounds concurrent advancement runs per view.
const DefaultMaxConcurrentMaintenance = 4

// view is the default implementation of View.
type view struct {
	store  store.Store
	blobs  store.BlobStore
	logger *slog.Logger
	opts   *options
	state  int32 // stateDisconnected, stateConnecting, or stateConnected
	otel   *otelInstrumentation

	// maintenance bounds concurrent advancement runs. Close drains it.
	maintenance *semaphore.Weighted

	// initialized caches queues whose watermarks this process has set up.
	initialized sync.Map // map[string]struct{}

	eventBus *event.Bus
	events   *ViewEvents

	plugins *pluginRegistry
}

// NewView creates a new queue view.
// Call Connect() to connect the store and validate the on-disk format.
func NewView(opts ...Option) (View, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	return &view{
		plugins:     plugins,
		store:       o.store,
		blobs:       o.blobs,
		logger:      o.logger,
		opts:        o,
		otel:        otelInstr,
		maintenance: semaphore.NewWeighted(DefaultMaxConcurrentMaintenance),
	}, nil
}

// Events returns per-view event instances for subscribing and publishing.
func (v *view) Events() *ViewEvents {
	return v.events
}

// IsConnected returns true if the view is connected and ready.
func (v *view) IsConnected() bool {
	return atomic.LoadInt32(&v.state) == stateConnected
}

func (v *view) checkConnected() error {
	if !v.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect connects the store, validates the persisted configuration and
// starts the event bus.
func (v *view) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&v.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&v.state, stateConnected)
		} else {
			atomic.StoreInt32(&v.state, stateDisconnected)
		}
	}()

	if err := v.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := v.ensureConfiguration(ctx); err != nil {
		v.store.Close(ctx)
		return err
	}

	if err := v.initEventBus(ctx); err != nil {
		v.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := v.plugins.initAll(ctx); err != nil {
		v.eventBus.Close(ctx)
		v.store.Close(ctx)
		return err
	}

	success = true
	v.logger.Info("queue view connected",
		"slice_window", v.opts.sliceWindow,
		"bucket_count", v.opts.bucketCount)
	return nil
}

// ensureConfiguration persists the on-disk format on first start and
// rejects incompatible changes afterwards.
func (v *view) ensureConfiguration(ctx context.Context) error {
	configured := v.opts.viewConfiguration()

	stored, err := v.store.LoadConfiguration(ctx)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err == nil {
		if *stored == configured {
			return nil
		}
		if err := validateConfigurationChange(*stored, configured); err != nil {
			return err
		}
		v.logger.Info("updating queue view configuration",
			"old_slice_window", stored.SliceWindow, "slice_window", configured.SliceWindow,
			"old_bucket_count", stored.BucketCount, "bucket_count", configured.BucketCount)
	}

	if err := v.store.SaveConfiguration(ctx, configured); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this view.
func (v *view) initEventBus(ctx context.Context) error {
	serviceName := v.opts.serviceName
	if serviceName == "" {
		serviceName = "queueview"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case v.opts.eventTransport != nil:
		v.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(v.opts.eventTransport))
	case v.opts.redisClient != nil:
		v.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(v.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		v.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	v.eventBus = bus

	v.events = newViewEvents(busName)
	if err := registerViewEvents(ctx, bus, v.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register view events: %w", err)
	}

	return nil
}

// Close waits for in-flight maintenance, then closes the event bus and store.
func (v *view) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&v.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(ctx, v.opts.shutdownTimeout)
	defer cancel()
	if err := v.maintenance.Acquire(shutdownCtx, DefaultMaxConcurrentMaintenance); err != nil {
		v.logger.Warn("timeout waiting for in-flight maintenance, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		v.maintenance.Release(DefaultMaxConcurrentMaintenance)
	}

	if err := v.plugins.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}

	if v.eventBus != nil {
		if err := v.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := v.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	v.initialized.Clear()
	return errors.Join(errs...)
}

// now returns the current time in UTC.
func (v *view) now() time.Time {
	return v.opts.now().UTC()
}

// sliceOf returns the slice containing t under the configured window.
func (v *view) sliceOf(t time.Time) store.Slice {
	return store.SliceOf(t, v.opts.sliceWindow)
}
