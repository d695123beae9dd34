package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/storetest"
)

func connected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return connected(t) })
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.MarkDeleted(ctx, "q", store.NewEnqueueID()); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}
}

func TestReturnedItemsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := connected(t)
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	it := storetest.NewItem("copy", "k", slice, 0)
	if err := s.InsertItem(ctx, it); err != nil {
		t.Fatalf("insert: %v", err)
	}
	it.Envelope.Recipients[0] = "mutated"

	items, _ := s.SelectItems(ctx, "copy", slice, 0)
	if items[0].Envelope.Recipients[0] != "rcpt@example.com" {
		t.Error("store shares state with caller")
	}
	items[0].Envelope.Attributes["priority"] = "low"
	again, _ := s.SelectItems(ctx, "copy", slice, 0)
	if again[0].Envelope.Attributes["priority"] != "high" {
		t.Error("store shares state with reader")
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := connected(t)
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, it := range []*store.EnqueuedItem{
		storetest.NewItem("gc", "a", slice, 0),
		storetest.NewItem("gc", "b", slice, 1),
		storetest.NewItem("gc", "c", slice.Add(time.Hour), 0),
		storetest.NewItem("other", "a", slice, 0),
	} {
		if err := s.InsertItem(ctx, it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if n := s.PartitionCount("gc"); n != 3 {
		t.Errorf("expected 3 partitions, got %d", n)
	}
	_ = s.DeleteBucket(ctx, "gc", slice, 0)
	if n := s.PartitionCount("gc"); n != 2 {
		t.Errorf("expected 2 partitions, got %d", n)
	}

	id := store.NewEnqueueID()
	_ = s.MarkDeleted(ctx, "gc", id)
	_ = s.MarkDeleted(ctx, "gc", id)
	_ = s.MarkDeleted(ctx, "other", id)
	if n := s.TombstoneCount("gc"); n != 1 {
		t.Errorf("expected 1 tombstone, got %d", n)
	}
}
