// Package queueview provides a browsable secondary index for a
// broker-backed mail queue.
//
// The broker delivers mail; it cannot list what it still holds. A View
// records every enqueue attempt in a time-sliced, hash-bucketed index so
// operators can browse, count and delete queued mail. Deleting writes a
// tombstone. Rows are physically removed later, once every earlier item of
// the queue is gone.
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	v, err := queueview.NewView(
//	    queueview.WithStore(st),
//	    queueview.WithBlobStore(blobmemory.New()),
//	    queueview.WithSliceWindow(time.Hour),
//	    queueview.WithBucketCount(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect validates the persisted slice window and bucket count
//	if err := v.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close(ctx)
//
//	// Index a mail, carrying the enqueue id through the broker
//	item, err := v.Enqueue(ctx, "spool", queueview.Mail{
//	    Envelope: store.MailEnvelope{Name: "mail-1", Sender: "a@example.com"},
//	}, raw)
//
//	// The consumer acknowledges it
//	v.ConsiderDeleted(ctx, "spool", item.EnqueueID)
//
// # Layout
//
// Time is cut into slices of a fixed window. Every item lands in the slice
// containing its enqueue instant, in the bucket selected by hashing its mail
// key. A (queue, slice, bucket) triple is one storage partition.
//
// Two watermarks are kept per queue:
//   - BrowseStart: no live item exists in an earlier slice. Browsing starts here.
//   - ContentStart: everything before it has been garbage collected.
//
// # Browse Start Advancement
//
// A sampled fraction of deletes (see WithUpdateBrowseStartPace) moves the
// browse start to the slice of the oldest live item and purges the slices
// in between. No locks are taken: the watermark is only set to a slice
// observed to hold live data, and every purge step is idempotent.
//
// An old item that is never deleted pins the browse start. Health reports
// such queues once their browse start is older than the grace period.
//
// # Storage Backends
//
// The store package provides implementations for:
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - DynamoDB (store/dynamodb) - accepts a DynamoDB client
//   - In-memory (store/memory) - for testing
//
// Mail content lives in a store.BlobStore (store/blob/...).
//
// # Events
//
// Events use the github.com/rbaliyan/event/v3 library. Pass WithRedisClient
// or WithEventTransport to publish them; the default transport drops them.
//
//	v.Events().ItemDeleted.Subscribe(ctx, handler)
//	v.Events().SlicesPurged.Subscribe(ctx, handler)
//
// Available events:
//   - ItemEnqueued - when an item is indexed
//   - ItemDeleted - when an item is tombstoned
//   - BrowseStartAdvanced - when a browse start moves forward
//   - SlicesPurged - when slices are garbage collected
package queueview
