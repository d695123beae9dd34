package queueview

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/queueview/content"
	"github.com/rbaliyan/queueview/store"
	"go.opentelemetry.io/otel/attribute"
)

// Mail is a mail handed to the view for indexing.
type Mail struct {
	// EnqueueID identifies this enqueue attempt. Generated when empty.
	// Callers that carry the id through the broker set it themselves so the
	// consumer can later call ConsiderDeleted with it.
	EnqueueID string

	Envelope store.MailEnvelope

	// Parts references content already written to the blob store.
	Parts store.PartsID

	// EnqueuedTime defaults to the current time.
	EnqueuedTime time.Time
}

// Initialize sets the initial browse start and content start of a queue to
// the slice containing now. Existing watermarks are left untouched.
func (v *view) Initialize(ctx context.Context, queue string) error {
	if err := v.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return ErrInvalidQueue
	}
	return v.initialize(ctx, queue)
}

func (v *view) initialize(ctx context.Context, queue string) error {
	if _, ok := v.initialized.Load(queue); ok {
		return nil
	}

	start := v.sliceOf(v.now()).Start
	created, err := v.store.InsertWatermarkIfAbsent(ctx, store.BrowseStart, queue, start)
	if err != nil {
		return fmt.Errorf("insert browse start: %w", err)
	}
	if _, err := v.store.InsertWatermarkIfAbsent(ctx, store.ContentStart, queue, start); err != nil {
		return fmt.Errorf("insert content start: %w", err)
	}
	if created {
		v.logger.Info("queue view initialized", "queue", queue, "browse_start", start)
	}

	v.initialized.Store(queue, struct{}{})
	return nil
}

// StoreMail indexes mail in its (slice, bucket) partition.
func (v *view) StoreMail(ctx context.Context, queue string, mail Mail) (item *store.EnqueuedItem, err error) {
	start := time.Now()
	ctx, endSpan := v.otel.startSpan(ctx, "queueview.StoreMail",
		attribute.String("queue", queue),
		attribute.String("mail_key", mail.Envelope.Name),
	)
	defer func() {
		endSpan(err)
		v.otel.recordStore(ctx, time.Since(start), queue, err)
	}()

	if err := v.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateQueue(queue); err != nil {
		return nil, ErrInvalidQueue
	}
	if err := ValidateEnvelopeWithLimits(mail.Envelope, v.opts.limits); err != nil {
		return nil, err
	}
	if mail.EnqueueID == "" {
		mail.EnqueueID = store.NewEnqueueID()
	} else if err := store.ValidateEnqueueID(mail.EnqueueID); err != nil {
		return nil, ErrInvalidID
	}
	if err := v.plugins.beforeStore(ctx, queue, mail); err != nil {
		return nil, err
	}

	if err := v.initialize(ctx, queue); err != nil {
		return nil, err
	}

	now := v.now()
	enqueuedTime := mail.EnqueuedTime
	if enqueuedTime.IsZero() {
		enqueuedTime = now
	}

	item = &store.EnqueuedItem{
		Queue:        queue,
		EnqueueID:    mail.EnqueueID,
		Envelope:     mail.Envelope.Clone(),
		EnqueuedTime: enqueuedTime.UTC(),
		Parts:        mail.Parts,
		Slice:        v.sliceOf(now).Start,
		Bucket:       store.BucketOf(mail.Envelope.Name, v.opts.bucketCount),
	}

	if err := v.store.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	v.logger.Debug("mail indexed",
		"queue", queue,
		"enqueue_id", item.EnqueueID,
		"mail_key", item.MailKey(),
		"slice", item.Slice,
		"bucket", item.Bucket)

	v.plugins.afterStore(ctx, item)

	if err := v.publish(ctx, "ItemEnqueued", queue, item.EnqueueID, func(ctx context.Context) error {
		return v.events.ItemEnqueued.Publish(ctx, ItemEnqueuedEvent{
			Queue:      queue,
			EnqueueID:  item.EnqueueID,
			MailKey:    item.MailKey(),
			EnqueuedAt: item.EnqueuedTime,
		})
	}); err != nil {
		return item, err
	}

	return item, nil
}

// Enqueue stores the header and body of raw in the blob store, then indexes mail.
func (v *view) Enqueue(ctx context.Context, queue string, mail Mail, raw []byte) (*store.EnqueuedItem, error) {
	if err := v.checkConnected(); err != nil {
		return nil, err
	}
	if v.blobs == nil {
		return nil, ErrBlobStoreNotConfigured
	}

	parts, err := content.Save(ctx, v.blobs, raw)
	if err != nil {
		return nil, fmt.Errorf("save content: %w", err)
	}
	mail.Parts = parts

	return v.StoreMail(ctx, queue, mail)
}
