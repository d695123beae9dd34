// Package store provides the storage interfaces and types for the queue view.
// Implementations are in the store/memory, store/postgres, store/mongo and
// store/dynamodb subpackages. Content blob stores live under store/blob.
//
// # Storage Layout
//
// Enqueued items are partitioned by (queue, slice start, bucket) and
// clustered by mail key inside a partition. Every read or write touches
// exactly one partition or one primary key. Nothing in this package needs a
// query spanning partitions:
//
//   - items:      (queue, slice, bucket) -> mailKey -> EnqueuedItem
//   - locations:  (queue, enqueueID) -> ItemLocation
//   - tombstones: (queue, enqueueID)
//   - watermarks: (kind, queue) -> instant
//
// # Architectural Principle: No Distributed Locks
//
// The queue view never takes a lock, a lease or any form of distributed
// coordination. Concurrency is handled by the shape of the writes:
//
//  1. Single-Row Atomicity: an item insert, a tombstone insert and a watermark
//     update are each a single-row write the database applies atomically.
//
//  2. Insert-If-Absent: watermark initialization uses the database's native
//     conditional insert (PostgreSQL ON CONFLICT DO NOTHING, MongoDB upsert
//     with $setOnInsert, DynamoDB attribute_not_exists). The first writer wins.
//
//  3. Idempotent Deletes: removing a tombstone, a location or a whole bucket
//     that is already gone is a no-op. Garbage collection may run from several
//     instances at once and converge.
//
//  4. Monotone Watermarks: callers only move a watermark to a slice they have
//     observed to still hold live data. Stores overwrite unconditionally.
//
// Example - concurrent queue initialization:
//
//	// WRONG: check-then-write (DO NOT USE)
//	if _, err := s.FindWatermark(ctx, store.BrowseStart, q); store.IsNotFound(err) {
//	    s.UpdateWatermark(ctx, store.BrowseStart, q, now)
//	}
//
//	// CORRECT: first writer wins
//	_, err := s.InsertWatermarkIfAbsent(ctx, store.BrowseStart, q, now)
package store

import (
	"context"
	"time"
)

// Store is the storage interface for the queue view.
//
// All operations must be safe for concurrent use. Implementations must rely
// on single-row atomicity and conditional inserts rather than external
// locking. See package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	ItemStore
	DeletedMailStore
	WatermarkStore
	ConfigurationStore
}

// ItemStore persists enqueued items, one row per item.
type ItemStore interface {
	// InsertItem writes the item into its (queue, slice, bucket) partition and
	// records its location under (queue, enqueueID). The location is written
	// first so a failed insert never leaves a browsable partial item.
	// Inserting the same mail key into the same partition overwrites. When
	// the overwritten row belongs to another enqueue attempt, that attempt's
	// location and tombstone are removed in the same write.
	InsertItem(ctx context.Context, item *EnqueuedItem) error

	// SelectItems returns every item of one partition, ordered by mail key.
	SelectItems(ctx context.Context, queue string, slice time.Time, bucket BucketID) ([]*EnqueuedItem, error)

	// DeleteBucket removes every item row of one partition.
	// Deleting an empty or missing partition is not an error.
	DeleteBucket(ctx context.Context, queue string, slice time.Time, bucket BucketID) error

	// LocateItem returns where an enqueue attempt was stored.
	// Returns ErrNotFound if the id was never stored or has been purged.
	LocateItem(ctx context.Context, queue, enqueueID string) (*ItemLocation, error)

	// DeleteLocation removes the location row of an enqueue attempt. Idempotent.
	DeleteLocation(ctx context.Context, queue, enqueueID string) error
}

// DeletedMailStore persists tombstones.
type DeletedMailStore interface {
	// MarkDeleted records a tombstone. Idempotent.
	MarkDeleted(ctx context.Context, queue, enqueueID string) error

	// IsDeleted reports whether a tombstone exists.
	IsDeleted(ctx context.Context, queue, enqueueID string) (bool, error)

	// RemoveDeletedMark removes a tombstone. Idempotent.
	RemoveDeletedMark(ctx context.Context, queue, enqueueID string) error
}

// Watermark identifies one of the per-queue watermark cursors.
type Watermark string

// Watermark kinds.
const (
	// BrowseStart is the earliest slice that may still hold live items.
	BrowseStart Watermark = "browse_start"
	// ContentStart is the earliest slice not yet garbage collected.
	ContentStart Watermark = "content_start"
)

// Valid reports whether w is a known watermark kind.
func (w Watermark) Valid() bool {
	return w == BrowseStart || w == ContentStart
}

// WatermarkStore persists one instant per (kind, queue).
type WatermarkStore interface {
	// FindWatermark returns the watermark, or ErrNotFound if it was never set.
	FindWatermark(ctx context.Context, kind Watermark, queue string) (time.Time, error)

	// InsertWatermarkIfAbsent sets the watermark only if none exists.
	// Returns true if this call created it.
	InsertWatermarkIfAbsent(ctx context.Context, kind Watermark, queue string, at time.Time) (bool, error)

	// UpdateWatermark overwrites the watermark unconditionally.
	UpdateWatermark(ctx context.Context, kind Watermark, queue string, at time.Time) error

	// ListWatermarks returns the watermark of every queue for one kind.
	ListWatermarks(ctx context.Context, kind Watermark) (map[string]time.Time, error)
}

// ViewConfiguration is the persisted on-disk format of the queue view.
type ViewConfiguration struct {
	SliceWindow time.Duration
	BucketCount int
}

// ConfigurationStore persists the view configuration.
type ConfigurationStore interface {
	// LoadConfiguration returns ErrNotFound when no configuration was saved yet.
	LoadConfiguration(ctx context.Context) (*ViewConfiguration, error)

	// SaveConfiguration overwrites the stored configuration.
	SaveConfiguration(ctx context.Context, cfg ViewConfiguration) error
}
