package queueview

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/queueview/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// AdvanceResult describes one browse start advancement attempt.
type AdvanceResult struct {
	Queue string

	// From is the browse start before the attempt, To the one after.
	// They are equal when nothing moved.
	From time.Time
	To   time.Time

	Advanced bool

	// PurgedSlices and PurgedItems count what garbage collection removed.
	PurgedSlices int
	PurgedItems  int
}

// ConsiderDeleted tombstones one enqueue attempt. Marking is unconditional
// and idempotent: unknown ids are tombstoned too, which is harmless.
func (v *view) ConsiderDeleted(ctx context.Context, queue, enqueueID string) (err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.ConsiderDeleted",
		attribute.String("queue", queue),
		attribute.String("enqueue_id", enqueueID),
	)
	var deleted int64
	defer func() {
		endSpan(err)
		v.otel.recordDelete(ctx, time.Since(start), queue, conditionNames[conditionEnqueueID], deleted, err)
	}()

	if err := v.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return ErrInvalidQueue
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return ErrInvalidID
	}

	err = v.considerDeleted(ctx, queue, enqueueID)
	if err == nil || isPublishOnly(err) {
		deleted = 1
	}
	return err
}

// considerDeleted marks the tombstone, then lets the sampler decide whether
// this call also pays for browse start advancement.
func (v *view) considerDeleted(ctx context.Context, queue, enqueueID string) error {
	if err := v.store.MarkDeleted(ctx, queue, enqueueID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	v.logger.Debug("mail deleted", "queue", queue, "enqueue_id", enqueueID)

	pubErr := v.publish(ctx, "ItemDeleted", queue, enqueueID, func(ctx context.Context) error {
		return v.events.ItemDeleted.Publish(ctx, ItemDeletedEvent{
			Queue:     queue,
			EnqueueID: enqueueID,
			DeletedAt: v.now(),
		})
	})

	v.maybeAdvance(ctx, queue)
	return pubErr
}

// maybeAdvance runs advancement for a sampled fraction of deletes. It never
// waits for a maintenance slot and never fails the delete.
func (v *view) maybeAdvance(ctx context.Context, queue string) {
	if !v.opts.sampler.Sample() {
		return
	}
	if !v.maintenance.TryAcquire(1) {
		v.logger.Debug("maintenance busy, skipping browse start advancement", "queue", queue)
		return
	}
	defer v.maintenance.Release(1)

	if _, err := v.advance(ctx, queue); err != nil {
		v.logger.Warn("browse start advancement failed", "queue", queue, "error", err)
	}
}

// Delete tombstones every live item selected by condition.
func (v *view) Delete(ctx context.Context, queue string, condition DeleteCondition) (n int64, err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.Delete",
		attribute.String("queue", queue),
		attribute.String("condition", condition.Kind()),
	)
	defer func() {
		endSpan(err)
		v.otel.recordDelete(ctx, time.Since(start), queue, condition.Kind(), n, err)
	}()

	if err := v.checkConnected(); err != nil {
		return 0, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return 0, ErrInvalidQueue
	}
	if err := condition.validate(); err != nil {
		return 0, err
	}

	if condition.IsPointLookup() {
		return v.deleteByEnqueueID(ctx, queue, condition.value)
	}
	return v.deleteMatching(ctx, queue, condition)
}

func (v *view) deleteByEnqueueID(ctx context.Context, queue, enqueueID string) (int64, error) {
	if _, err := v.store.LocateItem(ctx, queue, enqueueID); err != nil {
		if store.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("locate item: %w", err)
	}
	deleted, err := v.store.IsDeleted(ctx, queue, enqueueID)
	if err != nil {
		return 0, fmt.Errorf("check tombstone: %w", err)
	}
	if deleted {
		return 0, nil
	}

	if err := v.considerDeleted(ctx, queue, enqueueID); err != nil {
		if isPublishOnly(err) {
			return 1, err
		}
		return 0, err
	}
	return 1, nil
}

// deleteMatching collects the matching items first, so advancement
// triggered by one delete cannot purge slices the scan has yet to read.
func (v *view) deleteMatching(ctx context.Context, queue string, condition DeleteCondition) (int64, error) {
	from, ok, err := v.browseStart(ctx, queue)
	if err != nil || !ok {
		return 0, err
	}

	var matched []string
	for item, err := range v.liveItems(ctx, queue, from, v.now()) {
		if err != nil {
			return 0, err
		}
		if condition.Matches(item) {
			matched = append(matched, item.EnqueueID)
		}
	}

	var n int64
	for _, id := range matched {
		if err := v.considerDeleted(ctx, queue, id); err != nil {
			if isPublishOnly(err) {
				n++
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// isPublishOnly reports whether err means the mutation was applied and only
// its event failed.
func isPublishOnly(err error) bool {
	_, ok := IsEventPublishError(err)
	return ok
}

// IsPresent reports whether enqueueID was stored in queue and is not
// tombstoned. An id that was never stored and one whose item was purged
// both report false: absence and deletion are not distinguished.
func (v *view) IsPresent(ctx context.Context, queue, enqueueID string) (bool, error) {
	if err := v.checkConnected(); err != nil {
		return false, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return false, ErrInvalidQueue
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return false, ErrInvalidID
	}

	if _, err := v.store.LocateItem(ctx, queue, enqueueID); err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("locate item: %w", err)
	}
	deleted, err := v.store.IsDeleted(ctx, queue, enqueueID)
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return !deleted, nil
}

// AdvanceBrowseStart runs advancement and garbage collection for queue
// regardless of sampling. It waits for a maintenance slot.
func (v *view) AdvanceBrowseStart(ctx context.Context, queue string) (res *AdvanceResult, err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.AdvanceBrowseStart", attribute.String("queue", queue))
	defer func() {
		endSpan(err)
		v.otel.recordAdvance(ctx, time.Since(start), queue, res, err)
	}()

	if err := v.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return nil, ErrInvalidQueue
	}

	if err := v.maintenance.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire maintenance slot: %w", err)
	}
	defer v.maintenance.Release(1)

	return v.advance(ctx, queue)
}

// Maintain advances every queue that has a browse start. A failure on one
// queue does not stop the others; all failures are joined.
func (v *view) Maintain(ctx context.Context) ([]*AdvanceResult, error) {
	if err := v.checkConnected(); err != nil {
		return nil, err
	}

	marks, err := v.store.ListWatermarks(ctx, store.BrowseStart)
	if err != nil {
		return nil, fmt.Errorf("list browse starts: %w", err)
	}

	var results []*AdvanceResult
	var errs []error
	for _, queue := range slices.Sorted(maps.Keys(marks)) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := v.AdvanceBrowseStart(ctx, queue)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", queue, err))
		}
	}
	return results, errors.Join(errs...)
}

// advance moves the browse start of queue to the slice of its oldest live
// item, then purges the slices left behind. The browse start is only ever
// set to a slice observed to hold live data, so every step can be repeated
// by any number of processes.
//
// The browse start is re-read just before it is written and never moved
// backwards past a value seen then. Two processes writing in the window
// between that read and the write can still leave the older candidate in
// place; the next advancement moves it forward again.
func (v *view) advance(ctx context.Context, queue string) (*AdvanceResult, error) {
	res := &AdvanceResult{Queue: queue}

	current, ok, err := v.browseStart(ctx, queue)
	if err != nil || !ok {
		return res, err
	}
	res.From, res.To = current.Start, current.Start

	// The current slice is still being written.
	now := v.now()
	if !current.Start.Before(now.Add(-v.opts.sliceWindow)) {
		return res, nil
	}

	var candidate store.Slice
	found := false
	for item, err := range v.liveItems(ctx, queue, current, now) {
		if err != nil {
			return res, fmt.Errorf("find oldest live item: %w", err)
		}
		candidate, found = v.sliceOf(item.Slice), true
		break
	}
	if !found || !current.Before(candidate) {
		return res, nil
	}

	// Another process may have moved past candidate while the scan ran.
	latest, ok, err := v.browseStart(ctx, queue)
	if err != nil {
		return res, err
	}
	if ok && !latest.Before(candidate) {
		res.To = latest.Start
		return res, nil
	}

	if err := v.store.UpdateWatermark(ctx, store.BrowseStart, queue, candidate.Start); err != nil {
		return res, fmt.Errorf("update browse start: %w", err)
	}
	res.To, res.Advanced = candidate.Start, true
	v.logger.Info("browse start advanced", "queue", queue, "from", current.Start, "to", candidate.Start)

	pubErr := v.publish(ctx, "BrowseStartAdvanced", queue, candidate.Start.Format(time.RFC3339), func(ctx context.Context) error {
		return v.events.BrowseStartAdvanced.Publish(ctx, BrowseStartAdvancedEvent{
			Queue: queue,
			From:  current.Start,
			To:    candidate.Start,
		})
	})

	purgeFrom := current
	contentStart, err := v.store.FindWatermark(ctx, store.ContentStart, queue)
	switch {
	case err == nil:
		purgeFrom = v.sliceOf(contentStart)
	case !store.IsNotFound(err):
		return res, fmt.Errorf("find content start: %w", err)
	}
	if !purgeFrom.Before(candidate) {
		return res, pubErr
	}

	for slice := range store.SlicesBetween(purgeFrom, candidate.Start) {
		n, err := v.purgeSlice(ctx, queue, slice)
		res.PurgedItems += n
		if err != nil {
			return res, fmt.Errorf("purge slice %s: %w", slice.Start.Format(time.RFC3339), err)
		}
		res.PurgedSlices++
	}

	if err := v.store.UpdateWatermark(ctx, store.ContentStart, queue, candidate.Start); err != nil {
		return res, fmt.Errorf("update content start: %w", err)
	}
	v.logger.Info("slices purged",
		"queue", queue,
		"from", purgeFrom.Start,
		"to", candidate.Start,
		"slices", res.PurgedSlices,
		"items", res.PurgedItems)

	if err := v.publish(ctx, "SlicesPurged", queue, candidate.Start.Format(time.RFC3339), func(ctx context.Context) error {
		return v.events.SlicesPurged.Publish(ctx, SlicesPurgedEvent{
			Queue: queue,
			From:  purgeFrom.Start,
			To:    candidate.Start,
			Items: res.PurgedItems,
		})
	}); err != nil && pubErr == nil {
		pubErr = err
	}
	return res, pubErr
}

// purgeSlice removes every bucket of slice, bounded by the fan-out limit.
func (v *view) purgeSlice(ctx context.Context, queue string, slice store.Slice) (int, error) {
	var purged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.fanOut)
	for _, bucket := range store.AllBuckets(v.opts.bucketCount) {
		g.Go(func() error {
			n, err := v.purgeBucket(gctx, queue, slice, bucket)
			purged.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(purged.Load()), err
}

// purgeBucket removes the tombstones and locations of every item in one
// partition, then the partition itself. Already purged partitions are a no-op.
func (v *view) purgeBucket(ctx context.Context, queue string, slice store.Slice, bucket store.BucketID) (int, error) {
	items, err := v.store.SelectItems(ctx, queue, slice.Start, bucket)
	if err != nil {
		return 0, fmt.Errorf("select items of bucket %d: %w", bucket, err)
	}

	for _, item := range items {
		if err := v.store.RemoveDeletedMark(ctx, queue, item.EnqueueID); err != nil {
			return 0, fmt.Errorf("remove tombstone of %s: %w", item.EnqueueID, err)
		}
		if err := v.store.DeleteLocation(ctx, queue, item.EnqueueID); err != nil {
			return 0, fmt.Errorf("delete location of %s: %w", item.EnqueueID, err)
		}
		if v.opts.purgeContent && v.blobs != nil {
			v.purgeContent(ctx, item)
		}
	}

	if err := v.store.DeleteBucket(ctx, queue, slice.Start, bucket); err != nil {
		return 0, fmt.Errorf("delete bucket %d: %w", bucket, err)
	}
	return len(items), nil
}

// purgeContent deletes the blobs of a purged item. Failures only leak
// storage, so they are logged.
func (v *view) purgeContent(ctx context.Context, item *store.EnqueuedItem) {
	for _, id := range []store.BlobID{item.Parts.HeaderBlobID, item.Parts.BodyBlobID} {
		if id == "" {
			continue
		}
		if err := v.blobs.Delete(ctx, id); err != nil && !store.IsBlobNotFound(err) {
			v.logger.Warn("failed to delete mail content",
				"queue", item.Queue,
				"enqueue_id", item.EnqueueID,
				"blob_id", id,
				"error", err)
		}
	}
}
