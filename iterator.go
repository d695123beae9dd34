package queueview

import (
	"context"
	"fmt"

	"github.com/rbaliyan/queueview/content"
	"github.com/rbaliyan/queueview/store"
)

// ItemIterator provides streaming access to the live items of a queue.
// It implements a pull-based iteration pattern: one slice is loaded at a
// time, so memory use is bounded by the size of a slice, not of the queue.
//
// The iterator holds no resources requiring cleanup. Simply stop calling
// Next() when done.
//
// Thread Safety: iterators are NOT safe for concurrent use.
//
// Example:
//
//	it, _ := v.BrowseReferences(ctx, "spool")
//	for {
//	    ok, err := it.Next(ctx)
//	    if err != nil {
//	        // storage error; calling Next again retries the same slice
//	        break
//	    }
//	    if !ok {
//	        break
//	    }
//	    item, _ := it.Item()
//	    fmt.Println(item.MailKey(), item.EnqueuedTime)
//	}
type ItemIterator interface {
	// Next advances to the next live item.
	// Returns (true, nil) if there is an item available.
	// Returns (false, nil) if iteration is done.
	// Returns (false, error) if a slice could not be read.
	Next(ctx context.Context) (bool, error)

	// Item returns the current item.
	// Returns ErrIteratorOutOfBounds if called before Next() or after iteration ends.
	Item() (*store.EnqueuedItem, error)
}

// BrowsedMail is a live item together with its MIME content.
type BrowsedMail struct {
	Item *store.EnqueuedItem

	// Content is the raw MIME message: header then body.
	// Nil when the content could not be resolved or the item has none.
	Content []byte
}

// MailIterator provides streaming access to live items with resolved content.
//
// Content is resolved per item. When it fails, Mail returns the item with
// nil Content and a *ContentError; the iteration itself goes on.
type MailIterator interface {
	// Next advances to the next live item and resolves its content.
	// Returns (false, error) only for failures reading the index itself.
	Next(ctx context.Context) (bool, error)

	// Mail returns the current item. err is a *ContentError when the
	// content could not be resolved; mail is non-nil in that case.
	// Returns ErrIteratorOutOfBounds if called before Next() or after iteration ends.
	Mail() (*BrowsedMail, error)
}

// sliceCursor walks a queue slice by slice.
type sliceCursor struct {
	view  *view
	queue string

	next store.Slice // next slice to load
	last store.Slice // slice containing "now" at browse time

	batch   []*store.EnqueuedItem
	idx     int
	current *store.EnqueuedItem
	done    bool
}

func (c *sliceCursor) advance(ctx context.Context) (bool, error) {
	for {
		if c.idx < len(c.batch) {
			c.current = c.batch[c.idx]
			c.idx++
			return true, nil
		}
		c.current = nil
		if c.done || c.last.Before(c.next) {
			c.done = true
			c.batch = nil
			return false, nil
		}
		if err := c.view.checkConnected(); err != nil {
			return false, err
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		items, err := c.view.loadSlice(ctx, c.queue, c.next)
		if err != nil {
			return false, err
		}
		c.batch, c.idx = items, 0
		c.next = c.next.Next()
	}
}

type itemIterator struct {
	cursor *sliceCursor
}

func (it *itemIterator) Next(ctx context.Context) (bool, error) {
	return it.cursor.advance(ctx)
}

func (it *itemIterator) Item() (*store.EnqueuedItem, error) {
	if it.cursor.current == nil {
		return nil, ErrIteratorOutOfBounds
	}
	return it.cursor.current, nil
}

type mailIterator struct {
	cursor  *sliceCursor
	current *BrowsedMail
	err     error
}

func (it *mailIterator) Next(ctx context.Context) (bool, error) {
	it.current, it.err = nil, nil
	ok, err := it.cursor.advance(ctx)
	if !ok || err != nil {
		return ok, err
	}
	it.current, it.err = it.cursor.view.resolve(ctx, it.cursor.current)
	return true, nil
}

func (it *mailIterator) Mail() (*BrowsedMail, error) {
	if it.current == nil {
		return nil, ErrIteratorOutOfBounds
	}
	return it.current, it.err
}

// resolve attaches the MIME content of item. A failure is returned as a
// *ContentError alongside the item.
func (v *view) resolve(ctx context.Context, item *store.EnqueuedItem) (*BrowsedMail, error) {
	mail := &BrowsedMail{Item: item}
	if item.Parts.IsZero() {
		return mail, nil
	}

	var cause error
	if v.blobs == nil {
		cause = ErrBlobStoreNotConfigured
	} else {
		raw, err := content.Load(ctx, v.blobs, item.Parts)
		switch {
		case err == nil:
			mail.Content = raw
			return mail, nil
		case store.IsBlobNotFound(err):
			cause = fmt.Errorf("%w: %w", ErrContentNotFound, err)
		default:
			cause = err
		}
	}

	v.logger.Warn("failed to resolve mail content",
		"queue", item.Queue,
		"enqueue_id", item.EnqueueID,
		"mail_key", item.MailKey(),
		"error", cause)
	v.otel.recordContentError(ctx, item.Queue)
	return mail, &ContentError{
		Queue:     item.Queue,
		EnqueueID: item.EnqueueID,
		MailKey:   item.MailKey(),
		Err:       cause,
	}
}
