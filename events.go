package queueview

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for queue view events.
const (
	EventNameItemEnqueued        = "queueview.item.enqueued"
	EventNameItemDeleted         = "queueview.item.deleted"
	EventNameBrowseStartAdvanced = "queueview.browse_start.advanced"
	EventNameSlicesPurged        = "queueview.slices.purged"
)

// ItemEnqueuedEvent is published once an item is durably indexed.
type ItemEnqueuedEvent struct {
	Queue      string    `json:"queue"`
	EnqueueID  string    `json:"enqueue_id"`
	MailKey    string    `json:"mail_key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ItemDeletedEvent is published when an item is tombstoned.
type ItemDeletedEvent struct {
	Queue     string    `json:"queue"`
	EnqueueID string    `json:"enqueue_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// BrowseStartAdvancedEvent is published when a queue's browse start moves forward.
type BrowseStartAdvancedEvent struct {
	Queue string    `json:"queue"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// SlicesPurgedEvent is published after garbage collection of [From, To).
type SlicesPurgedEvent struct {
	Queue string    `json:"queue"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Items int       `json:"items"`
}

// ViewEvents provides access to per-view event instances.
// Each view creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	v.Events().ItemDeleted.Subscribe(ctx, handler)
//	v.Events().SlicesPurged.Subscribe(ctx, handler)
type ViewEvents struct {
	ItemEnqueued        event.Event[ItemEnqueuedEvent]
	ItemDeleted         event.Event[ItemDeletedEvent]
	BrowseStartAdvanced event.Event[BrowseStartAdvancedEvent]
	SlicesPurged        event.Event[SlicesPurgedEvent]
}

// newViewEvents creates per-view event instances with a unique name prefix.
func newViewEvents(namePrefix string) *ViewEvents {
	return &ViewEvents{
		ItemEnqueued:        event.New[ItemEnqueuedEvent](namePrefix + "." + EventNameItemEnqueued),
		ItemDeleted:         event.New[ItemDeletedEvent](namePrefix + "." + EventNameItemDeleted),
		BrowseStartAdvanced: event.New[BrowseStartAdvancedEvent](namePrefix + "." + EventNameBrowseStartAdvanced),
		SlicesPurged:        event.New[SlicesPurgedEvent](namePrefix + "." + EventNameSlicesPurged),
	}
}

// registerViewEvents registers per-view events with the given bus.
func registerViewEvents(ctx context.Context, bus *event.Bus, events *ViewEvents) error {
	if err := event.Register(ctx, bus, events.ItemEnqueued); err != nil {
		return fmt.Errorf("register ItemEnqueued: %w", err)
	}
	if err := event.Register(ctx, bus, events.ItemDeleted); err != nil {
		return fmt.Errorf("register ItemDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.BrowseStartAdvanced); err != nil {
		return fmt.Errorf("register BrowseStartAdvanced: %w", err)
	}
	if err := event.Register(ctx, bus, events.SlicesPurged); err != nil {
		return fmt.Errorf("register SlicesPurged: %w", err)
	}
	return nil
}

// publish runs a publish call and applies the configured failure policy.
// The returned error is non-nil only when event errors are fatal.
func (v *view) publish(ctx context.Context, name, queue, ref string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if v.opts.eventErrorsFatal {
		return &EventPublishError{Event: name, Queue: queue, Ref: ref, Err: err}
	}
	v.opts.safeEventPublishFailure(name, err)
	return nil
}
