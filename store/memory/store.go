// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// partitionKey identifies one (queue, slice, bucket) partition.
type partitionKey struct {
	queue  string
	slice  int64 // unix millis
	bucket store.BucketID
}

// rowKey identifies a single row addressed by (queue, enqueueID).
type rowKey struct {
	queue     string
	enqueueID string
}

type watermarkKey struct {
	kind  store.Watermark
	queue string
}

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu         sync.RWMutex
	partitions map[partitionKey]map[string]*store.EnqueuedItem // mailKey -> item
	watermarks map[watermarkKey]time.Time
	config     *store.ViewConfiguration

	locations  sync.Map // rowKey -> *store.ItemLocation
	tombstones sync.Map // rowKey -> struct{}

	connected int32
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		partitions: make(map[partitionKey]map[string]*store.EnqueuedItem),
		watermarks: make(map[watermarkKey]time.Time),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// =============================================================================
// Item Operations
// =============================================================================

// InsertItem stores a copy of the item and its location. An attempt it
// displaces loses its location and tombstone.
func (s *Store) InsertItem(_ context.Context, item *store.EnqueuedItem) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}

	key := partitionKey{item.Queue, item.Slice.UnixMilli(), item.Bucket}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locations.Store(rowKey{item.Queue, item.EnqueueID}, item.Location())

	rows, ok := s.partitions[key]
	if !ok {
		rows = make(map[string]*store.EnqueuedItem)
		s.partitions[key] = rows
	}
	if prev, ok := rows[item.MailKey()]; ok && prev.EnqueueID != item.EnqueueID {
		displaced := rowKey{prev.Queue, prev.EnqueueID}
		s.locations.Delete(displaced)
		s.tombstones.Delete(displaced)
	}
	rows[item.MailKey()] = item.Clone()
	return nil
}

// SelectItems returns copies of every item in the partition, ordered by mail key.
func (s *Store) SelectItems(_ context.Context, queue string, slice time.Time, bucket store.BucketID) ([]*store.EnqueuedItem, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rows := s.partitions[partitionKey{queue, slice.UnixMilli(), bucket}]
	items := make([]*store.EnqueuedItem, 0, len(rows))
	for _, item := range rows {
		items = append(items, item.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(items, func(a, b *store.EnqueuedItem) int {
		return cmp.Compare(a.MailKey(), b.MailKey())
	})
	return items, nil
}

// DeleteBucket removes the partition.
func (s *Store) DeleteBucket(_ context.Context, queue string, slice time.Time, bucket store.BucketID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.partitions, partitionKey{queue, slice.UnixMilli(), bucket})
	s.mu.Unlock()
	return nil
}

// LocateItem returns the stored location of an enqueue attempt.
func (s *Store) LocateItem(_ context.Context, queue, enqueueID string) (*store.ItemLocation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	v, ok := s.locations.Load(rowKey{queue, enqueueID})
	if !ok {
		return nil, store.ErrNotFound
	}
	loc := *v.(*store.ItemLocation)
	return &loc, nil
}

// DeleteLocation removes the location row.
func (s *Store) DeleteLocation(_ context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.locations.Delete(rowKey{queue, enqueueID})
	return nil
}

// =============================================================================
// Tombstone Operations
// =============================================================================

// MarkDeleted records a tombstone.
func (s *Store) MarkDeleted(_ context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.tombstones.Store(rowKey{queue, enqueueID}, struct{}{})
	return nil
}

// IsDeleted reports whether a tombstone exists.
func (s *Store) IsDeleted(_ context.Context, queue, enqueueID string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	_, ok := s.tombstones.Load(rowKey{queue, enqueueID})
	return ok, nil
}

// RemoveDeletedMark removes a tombstone.
func (s *Store) RemoveDeletedMark(_ context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.tombstones.Delete(rowKey{queue, enqueueID})
	return nil
}

// =============================================================================
// Watermark Operations
// =============================================================================

// FindWatermark returns the watermark or store.ErrNotFound.
func (s *Store) FindWatermark(_ context.Context, kind store.Watermark, queue string) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}
	if !kind.Valid() {
		return time.Time{}, store.ErrInvalidWatermark
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.watermarks[watermarkKey{kind, queue}]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return at, nil
}

// InsertWatermarkIfAbsent sets the watermark only when none exists.
func (s *Store) InsertWatermarkIfAbsent(_ context.Context, kind store.Watermark, queue string, at time.Time) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if !kind.Valid() {
		return false, store.ErrInvalidWatermark
	}
	key := watermarkKey{kind, queue}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watermarks[key]; ok {
		return false, nil
	}
	s.watermarks[key] = at.UTC().Truncate(time.Millisecond)
	return true, nil
}

// UpdateWatermark overwrites the watermark.
func (s *Store) UpdateWatermark(_ context.Context, kind store.Watermark, queue string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !kind.Valid() {
		return store.ErrInvalidWatermark
	}
	s.mu.Lock()
	s.watermarks[watermarkKey{kind, queue}] = at.UTC().Truncate(time.Millisecond)
	s.mu.Unlock()
	return nil
}

// ListWatermarks returns the watermark of every queue for kind.
func (s *Store) ListWatermarks(_ context.Context, kind store.Watermark) (map[string]time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, store.ErrInvalidWatermark
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time)
	for k, at := range s.watermarks {
		if k.kind == kind {
			out[k.queue] = at
		}
	}
	return out, nil
}

// =============================================================================
// Configuration
// =============================================================================

// LoadConfiguration returns the saved configuration or store.ErrNotFound.
func (s *Store) LoadConfiguration(_ context.Context) (*store.ViewConfiguration, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, store.ErrNotFound
	}
	cfg := *s.config
	return &cfg, nil
}

// SaveConfiguration overwrites the configuration.
func (s *Store) SaveConfiguration(_ context.Context, cfg store.ViewConfiguration) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	s.config = &cfg
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Test helpers
// =============================================================================

// PartitionCount returns the number of non-deleted partitions of queue.
// It lets tests observe physical deletion independently of tombstones.
func (s *Store) PartitionCount(queue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range maps.Keys(s.partitions) {
		if k.queue == queue {
			n++
		}
	}
	return n
}

// TombstoneCount returns the number of tombstones of queue.
func (s *Store) TombstoneCount(queue string) int {
	n := 0
	s.tombstones.Range(func(k, _ any) bool {
		if k.(rowKey).queue == queue {
			n++
		}
		return true
	})
	return n
}
