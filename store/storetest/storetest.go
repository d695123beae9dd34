// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/queueview/store"
)

// Factory returns a fresh, connected store. Stores returned by separate
// calls must not share configuration rows.
type Factory func(t *testing.T) store.Store

var slice0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Queue returns a queue name unique to this run, so suites can share a
// database.
func Queue(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

// NewItem builds a valid item for queue stored in (slice, bucket).
func NewItem(queue, key string, slice time.Time, bucket store.BucketID) *store.EnqueuedItem {
	return &store.EnqueuedItem{
		Queue:     queue,
		EnqueueID: store.NewEnqueueID(),
		Envelope: store.MailEnvelope{
			Name:       key,
			Sender:     "sender@example.com",
			Recipients: []string{"rcpt@example.com"},
			State:      "root",
			Attributes: map[string]string{"priority": "high"},
			PerRecipientHeaders: map[string][]store.Header{
				"rcpt@example.com": {{Name: "X-Trace", Value: "1"}},
			},
		},
		EnqueuedTime: slice.Add(time.Minute),
		Parts: store.PartsID{
			HeaderBlobID: store.ComputeBlobID([]byte("h")),
			BodyBlobID:   store.ComputeBlobID([]byte("b")),
		},
		Slice:  slice,
		Bucket: bucket,
	}
}

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	t.Run("Items", func(t *testing.T) { testItems(t, open(t)) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, open(t)) })
	t.Run("Watermarks", func(t *testing.T) { testWatermarks(t, open(t)) })
	t.Run("Configuration", func(t *testing.T) { testConfiguration(t, open(t)) })
}

func testItems(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("insert and select by partition", func(t *testing.T) {
		q := Queue("spool")
		b := NewItem(q, "b", slice0, 1)
		a := NewItem(q, "a", slice0, 1)
		other := NewItem(q, "c", slice0, 0)
		for _, it := range []*store.EnqueuedItem{b, a, other} {
			if err := s.InsertItem(ctx, it); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		items, err := s.SelectItems(ctx, q, slice0, 1)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(items) != 2 || items[0].MailKey() != "a" || items[1].MailKey() != "b" {
			t.Fatalf("expected [a b] ordered by key, got %d items", len(items))
		}
		got := items[0]
		if got.EnqueueID != a.EnqueueID || got.Queue != q || got.Bucket != 1 || !got.Slice.Equal(slice0) {
			t.Errorf("unexpected item %+v", got)
		}
		if !got.EnqueuedTime.Equal(a.EnqueuedTime) {
			t.Errorf("enqueued time = %v, want %v", got.EnqueuedTime, a.EnqueuedTime)
		}
		if got.Parts != a.Parts {
			t.Errorf("parts = %+v, want %+v", got.Parts, a.Parts)
		}
		env := got.Envelope
		if env.Sender != "sender@example.com" || !env.HasRecipient("RCPT@example.com") || env.State != "root" {
			t.Errorf("unexpected envelope %+v", env)
		}
		if env.Attributes["priority"] != "high" {
			t.Errorf("attributes = %v", env.Attributes)
		}
		if h := env.PerRecipientHeaders["rcpt@example.com"]; len(h) != 1 || h[0].Name != "X-Trace" {
			t.Errorf("per-recipient headers = %v", env.PerRecipientHeaders)
		}
	})

	t.Run("same key overwrites", func(t *testing.T) {
		q := Queue("dup")
		first := NewItem(q, "k", slice0, 0)
		second := NewItem(q, "k", slice0, 0)
		for _, it := range []*store.EnqueuedItem{first, second} {
			if err := s.InsertItem(ctx, it); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		items, err := s.SelectItems(ctx, q, slice0, 0)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(items) != 1 || items[0].EnqueueID != second.EnqueueID {
			t.Errorf("expected single overwritten row, got %d", len(items))
		}
	})

	t.Run("overwrite drops displaced attempt", func(t *testing.T) {
		q := Queue("displace")
		first := NewItem(q, "k", slice0, 0)
		if err := s.InsertItem(ctx, first); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := s.MarkDeleted(ctx, q, first.EnqueueID); err != nil {
			t.Fatalf("mark deleted: %v", err)
		}
		second := NewItem(q, "k", slice0, 0)
		if err := s.InsertItem(ctx, second); err != nil {
			t.Fatalf("insert: %v", err)
		}

		if _, err := s.LocateItem(ctx, q, first.EnqueueID); !store.IsNotFound(err) {
			t.Errorf("expected displaced location to be gone, got %v", err)
		}
		if deleted, err := s.IsDeleted(ctx, q, first.EnqueueID); err != nil || deleted {
			t.Errorf("expected displaced tombstone to be gone, got %v (%v)", deleted, err)
		}
		if _, err := s.LocateItem(ctx, q, second.EnqueueID); err != nil {
			t.Errorf("locate second: %v", err)
		}

		// Re-inserting the same attempt keeps its own rows.
		if err := s.MarkDeleted(ctx, q, second.EnqueueID); err != nil {
			t.Fatalf("mark deleted: %v", err)
		}
		if err := s.InsertItem(ctx, second); err != nil {
			t.Fatalf("reinsert: %v", err)
		}
		if _, err := s.LocateItem(ctx, q, second.EnqueueID); err != nil {
			t.Errorf("locate after reinsert: %v", err)
		}
		if deleted, err := s.IsDeleted(ctx, q, second.EnqueueID); err != nil || !deleted {
			t.Errorf("expected tombstone to survive reinsert, got %v (%v)", deleted, err)
		}
	})

	t.Run("empty partition", func(t *testing.T) {
		items, err := s.SelectItems(ctx, Queue("none"), slice0, 0)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("expected no items, got %d", len(items))
		}
	})

	t.Run("locate and delete location", func(t *testing.T) {
		q := Queue("loc")
		it := NewItem(q, "k", slice0, 3)
		if err := s.InsertItem(ctx, it); err != nil {
			t.Fatalf("insert: %v", err)
		}

		loc, err := s.LocateItem(ctx, q, it.EnqueueID)
		if err != nil {
			t.Fatalf("locate: %v", err)
		}
		if loc.MailKey != "k" || loc.Bucket != 3 || !loc.Slice.Equal(slice0) {
			t.Errorf("unexpected location %+v", loc)
		}
		if err := s.DeleteLocation(ctx, q, it.EnqueueID); err != nil {
			t.Fatalf("delete location: %v", err)
		}
		if _, err := s.LocateItem(ctx, q, it.EnqueueID); !store.IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.DeleteLocation(ctx, q, it.EnqueueID); err != nil {
			t.Errorf("delete location should be idempotent, got %v", err)
		}
	})

	t.Run("delete bucket", func(t *testing.T) {
		q := Queue("gc")
		for _, it := range []*store.EnqueuedItem{NewItem(q, "a", slice0, 0), NewItem(q, "b", slice0, 1)} {
			if err := s.InsertItem(ctx, it); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		if err := s.DeleteBucket(ctx, q, slice0, 0); err != nil {
			t.Fatalf("delete bucket: %v", err)
		}
		if items, _ := s.SelectItems(ctx, q, slice0, 0); len(items) != 0 {
			t.Errorf("expected empty bucket, got %d", len(items))
		}
		if items, _ := s.SelectItems(ctx, q, slice0, 1); len(items) != 1 {
			t.Errorf("expected other bucket untouched, got %d", len(items))
		}
		if err := s.DeleteBucket(ctx, q, slice0, 0); err != nil {
			t.Errorf("delete bucket should be idempotent, got %v", err)
		}
	})

	t.Run("rejects invalid item", func(t *testing.T) {
		bad := NewItem("", "k", slice0, 0)
		if err := s.InsertItem(ctx, bad); !errors.Is(err, store.ErrInvalidQueue) {
			t.Errorf("expected ErrInvalidQueue, got %v", err)
		}
		bad = NewItem("q", "k", slice0, 0)
		bad.EnqueueID = "not-a-uuid"
		if err := s.InsertItem(ctx, bad); !errors.Is(err, store.ErrInvalidID) {
			t.Errorf("expected ErrInvalidID, got %v", err)
		}
	})
}

func testTombstones(t *testing.T, s store.Store) {
	ctx := context.Background()
	q := Queue("q")
	id := store.NewEnqueueID()

	if deleted, err := s.IsDeleted(ctx, q, id); err != nil || deleted {
		t.Fatalf("expected no tombstone, got %v (%v)", deleted, err)
	}
	for range 2 {
		if err := s.MarkDeleted(ctx, q, id); err != nil {
			t.Fatalf("mark deleted: %v", err)
		}
	}
	if deleted, _ := s.IsDeleted(ctx, q, id); !deleted {
		t.Error("expected tombstone")
	}
	if deleted, _ := s.IsDeleted(ctx, q+"-other", id); deleted {
		t.Error("tombstones must be scoped by queue")
	}
	if err := s.RemoveDeletedMark(ctx, q, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if deleted, _ := s.IsDeleted(ctx, q, id); deleted {
		t.Error("expected tombstone removed")
	}
	if err := s.RemoveDeletedMark(ctx, q, id); err != nil {
		t.Errorf("remove should be idempotent, got %v", err)
	}
}

func testWatermarks(t *testing.T, s store.Store) {
	ctx := context.Background()
	q, q2 := Queue("q"), Queue("q2")

	if _, err := s.FindWatermark(ctx, store.BrowseStart, q); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	t.Run("insert if absent is first writer wins", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		inserted := 0
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.InsertWatermarkIfAbsent(ctx, store.BrowseStart, q, slice0.Add(time.Duration(i)*time.Hour))
				if err != nil {
					t.Errorf("insert: %v", err)
				}
				if ok {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if inserted != 1 {
			t.Errorf("expected exactly one insert, got %d", inserted)
		}
	})

	t.Run("update overwrites", func(t *testing.T) {
		want := slice0.Add(48 * time.Hour)
		if err := s.UpdateWatermark(ctx, store.BrowseStart, q, want); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.FindWatermark(ctx, store.BrowseStart, q)
		if err != nil || !got.Equal(want) {
			t.Errorf("expected updated watermark, got %v (%v)", got, err)
		}
	})

	t.Run("kinds are independent", func(t *testing.T) {
		if _, err := s.FindWatermark(ctx, store.ContentStart, q); !store.IsNotFound(err) {
			t.Errorf("expected ErrNotFound for content start, got %v", err)
		}
		if _, err := s.InsertWatermarkIfAbsent(ctx, store.BrowseStart, q2, slice0); err != nil {
			t.Fatalf("insert: %v", err)
		}
		all, err := s.ListWatermarks(ctx, store.BrowseStart)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if _, ok := all[q]; !ok {
			t.Errorf("expected %s in %v", q, all)
		}
		if at, ok := all[q2]; !ok || !at.Equal(slice0) {
			t.Errorf("expected %s at %v in %v", q2, slice0, all)
		}
		content, err := s.ListWatermarks(ctx, store.ContentStart)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if _, ok := content[q]; ok {
			t.Error("content start listed for a queue that never set it")
		}
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		if _, err := s.FindWatermark(ctx, "bogus", q); !errors.Is(err, store.ErrInvalidWatermark) {
			t.Errorf("expected ErrInvalidWatermark, got %v", err)
		}
	})
}

func testConfiguration(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.LoadConfiguration(ctx); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	want := store.ViewConfiguration{SliceWindow: time.Hour, BucketCount: 4}
	if err := s.SaveConfiguration(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	want.BucketCount = 8
	if err := s.SaveConfiguration(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadConfiguration(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != want {
		t.Errorf("expected %+v, got %+v", want, *got)
	}
}
