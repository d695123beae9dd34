package queueview

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/queueview/store"
)

// Plugin defines the interface for queue view extensions.
//
// For observing deletes and garbage collection, subscribe to the view
// events instead (ItemDeleted, BrowseStartAdvanced, SlicesPurged).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the view connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the view closes.
	Close(ctx context.Context) error
}

// StoreHook is called around indexing a mail.
type StoreHook interface {
	Plugin
	// BeforeStore is called before the item is written. Return an error to
	// reject the mail; nothing is indexed in that case.
	BeforeStore(ctx context.Context, queue string, mail Mail) error
	// AfterStore is called once the item is durably indexed. The item is
	// not rolled back on error.
	AfterStore(ctx context.Context, item *store.EnqueuedItem) error
}

type pluginRegistry struct {
	all    []Plugin
	store  []StoreHook
	logger *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)
	if h, ok := p.(StoreHook); ok {
		r.store = append(r.store, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError is an error returned by a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (r *pluginRegistry) beforeStore(ctx context.Context, queue string, mail Mail) error {
	for _, h := range r.store {
		if err := h.BeforeStore(ctx, queue, mail); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeStore", Err: err}
		}
	}
	return nil
}

// afterStore runs every hook; failures are logged since the item is
// already indexed.
func (r *pluginRegistry) afterStore(ctx context.Context, item *store.EnqueuedItem) {
	for _, h := range r.store {
		if err := h.AfterStore(ctx, item); err != nil {
			r.logger.Warn("store hook failed",
				"plugin", h.Name(),
				"queue", item.Queue,
				"enqueue_id", item.EnqueueID,
				"error", err)
		}
	}
}
