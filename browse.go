package queueview

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/rbaliyan/queueview/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// browseStart returns the slice holding the browse start of queue.
// ok is false when the queue was never initialized.
func (v *view) browseStart(ctx context.Context, queue string) (slice store.Slice, ok bool, err error) {
	at, err := v.store.FindWatermark(ctx, store.BrowseStart, queue)
	if store.IsNotFound(err) {
		return store.Slice{}, false, nil
	}
	if err != nil {
		return store.Slice{}, false, fmt.Errorf("find browse start: %w", err)
	}
	return v.sliceOf(at), true, nil
}

// loadSlice reads every bucket of one slice with bounded concurrency,
// drops tombstoned items and sorts the rest by enqueued time.
func (v *view) loadSlice(ctx context.Context, queue string, slice store.Slice) ([]*store.EnqueuedItem, error) {
	buckets := store.AllBuckets(v.opts.bucketCount)
	results := make([][]*store.EnqueuedItem, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.fanOut)
	for i, bucket := range buckets {
		g.Go(func() error {
			items, err := v.store.SelectItems(gctx, queue, slice.Start, bucket)
			if err != nil {
				return fmt.Errorf("select items of slice %s bucket %d: %w", slice.Start.Format(time.RFC3339), bucket, err)
			}
			live := items[:0]
			for _, item := range items {
				deleted, err := v.store.IsDeleted(gctx, queue, item.EnqueueID)
				if err != nil {
					return fmt.Errorf("check tombstone of %s: %w", item.EnqueueID, err)
				}
				if !deleted {
					live = append(live, item)
				}
			}
			results[i] = live
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := slices.Concat(results...)
	slices.SortStableFunc(out, func(a, b *store.EnqueuedItem) int {
		if c := a.EnqueuedTime.Compare(b.EnqueuedTime); c != 0 {
			return c
		}
		return cmp.Compare(a.MailKey(), b.MailKey())
	})
	return out, nil
}

// liveItems yields the live items of every slice from from up to the slice
// containing until, slice by slice. Iteration stops at the first error.
func (v *view) liveItems(ctx context.Context, queue string, from store.Slice, until time.Time) iter.Seq2[*store.EnqueuedItem, error] {
	return func(yield func(*store.EnqueuedItem, error) bool) {
		for slice := range store.AllSlicesTill(from, until) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			items, err := v.loadSlice(ctx, queue, slice)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// newCursor positions a cursor at the browse start of queue.
func (v *view) newCursor(ctx context.Context, queue string) (*sliceCursor, error) {
	if err := v.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return nil, ErrInvalidQueue
	}

	from, ok, err := v.browseStart(ctx, queue)
	if err != nil {
		return nil, err
	}
	c := &sliceCursor{view: v, queue: queue}
	if !ok {
		c.done = true
		return c, nil
	}
	c.next = from
	c.last = v.sliceOf(v.now())
	return c, nil
}

// Browse returns the live items of queue with their content resolved.
func (v *view) Browse(ctx context.Context, queue string) (it MailIterator, err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.Browse", attribute.String("queue", queue))
	defer func() {
		endSpan(err)
		v.otel.recordBrowse(ctx, time.Since(start), queue, err)
	}()

	c, err := v.newCursor(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &mailIterator{cursor: c}, nil
}

// BrowseReferences returns the live items of queue without their content.
func (v *view) BrowseReferences(ctx context.Context, queue string) (ItemIterator, error) {
	c, err := v.newCursor(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &itemIterator{cursor: c}, nil
}

// Size counts the live items of queue by scanning it.
func (v *view) Size(ctx context.Context, queue string) (n int64, err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.Size", attribute.String("queue", queue))
	defer func() {
		endSpan(err)
		v.otel.recordSize(ctx, time.Since(start), queue, err)
	}()

	if err := v.checkConnected(); err != nil {
		return 0, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return 0, ErrInvalidQueue
	}

	from, ok, err := v.browseStart(ctx, queue)
	if err != nil || !ok {
		return 0, err
	}
	for _, err := range v.liveItems(ctx, queue, from, v.now()) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
