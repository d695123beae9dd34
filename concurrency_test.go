package queueview

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/queueview/store"
)

func TestConcurrentStoreAndDelete(t *testing.T) {
	ctx := context.Background()
	env := setupView(t, WithSliceWindow(time.Second), WithBucketCount(4), WithSampler(NewSeededRateSampler(3, 7)))
	v := env.view

	const writers = 8
	const perWriter = 25

	var mu sync.Mutex
	var stored []*store.EnqueuedItem

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				item, err := v.StoreMail(ctx, testQueue, Mail{
					Envelope: store.MailEnvelope{Name: fmt.Sprintf("w%d-%d", w, i)},
				})
				if err != nil {
					errs <- err
					continue
				}
				mu.Lock()
				stored = append(stored, item)
				mu.Unlock()
				env.clock.Advance(100 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	// Delete every other item concurrently; sampled deletes advance and
	// purge while others are still marking.
	for i, item := range stored {
		if i%2 == 1 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := v.ConsiderDeleted(ctx, testQueue, item.EnqueueID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	want := int64(len(stored) - (len(stored)+1)/2)
	if n := mustSize(t, v, testQueue); n != want {
		t.Errorf("size = %d, want %d", n, want)
	}
	for i, item := range stored {
		if got := mustPresent(t, v, testQueue, item.EnqueueID); got != (i%2 == 1) {
			t.Errorf("item %d present = %v", i, got)
		}
	}
}

func TestConcurrentInitialize(t *testing.T) {
	ctx := context.Background()
	env := setupView(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.view.Initialize(ctx, testQueue); err != nil {
				t.Errorf("initialize: %v", err)
			}
		}()
	}
	wg.Wait()

	marks, err := env.store.ListWatermarks(ctx, store.BrowseStart)
	if err != nil {
		t.Fatalf("list watermarks: %v", err)
	}
	if len(marks) != 1 {
		t.Errorf("expected one browse start, got %v", marks)
	}
}
