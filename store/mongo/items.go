package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/queueview/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// InsertItem upserts the location, then the item. The location and
// tombstone of an attempt the item overwrites are removed afterwards.
func (s *Store) InsertItem(ctx context.Context, item *store.EnqueuedItem) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := itemToDoc(item)
	loc := locationDoc{
		Queue:     doc.Queue,
		EnqueueID: doc.EnqueueID,
		MailKey:   doc.MailKey,
		Slice:     doc.Slice,
		Bucket:    doc.Bucket,
	}
	upsert := mongoopts.Replace().SetUpsert(true)

	locFilter := bson.M{"queue": loc.Queue, "enqueue_id": loc.EnqueueID}
	if _, err := s.locations.ReplaceOne(ctx, locFilter, loc, upsert); err != nil {
		return fmt.Errorf("insert location: %w", err)
	}

	itemFilter := bson.M{"queue": doc.Queue, "slice": doc.Slice, "bucket": doc.Bucket, "mail_key": doc.MailKey}
	replace := mongoopts.FindOneAndReplace().
		SetUpsert(true).
		SetReturnDocument(mongoopts.Before).
		SetProjection(bson.M{"enqueue_id": 1})
	var prev itemDoc
	err := s.items.FindOneAndReplace(ctx, itemFilter, doc, replace).Decode(&prev)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil
	case err != nil:
		return fmt.Errorf("insert item: %w", err)
	case prev.EnqueueID == doc.EnqueueID:
		return nil
	}

	displaced := bson.M{"queue": doc.Queue, "enqueue_id": prev.EnqueueID}
	if _, err := s.locations.DeleteOne(ctx, displaced); err != nil {
		return fmt.Errorf("remove displaced location: %w", err)
	}
	if _, err := s.tombstones.DeleteOne(ctx, displaced); err != nil {
		return fmt.Errorf("remove displaced tombstone: %w", err)
	}
	return nil
}

// SelectItems returns every item of one partition, ordered by mail key.
func (s *Store) SelectItems(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) ([]*store.EnqueuedItem, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"queue": queue, "slice": slice.UTC(), "bucket": int(bucket)}
	findOpts := mongoopts.Find().SetSort(bson.D{{Key: "mail_key", Value: 1}})

	cursor, err := s.items.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	items := make([]*store.EnqueuedItem, len(docs))
	for i := range docs {
		items[i] = docToItem(&docs[i])
	}
	return items, nil
}

// DeleteBucket removes every item document of one partition.
func (s *Store) DeleteBucket(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"queue": queue, "slice": slice.UTC(), "bucket": int(bucket)}
	if _, err := s.items.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

// LocateItem returns the location of an enqueue attempt.
func (s *Store) LocateItem(ctx context.Context, queue, enqueueID string) (*store.ItemLocation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc locationDoc
	err := s.locations.FindOne(ctx, bson.M{"queue": queue, "enqueue_id": enqueueID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("locate item: %w", err)
	}
	return doc.location(), nil
}

// DeleteLocation removes the location document. Idempotent.
func (s *Store) DeleteLocation(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if _, err := s.locations.DeleteOne(ctx, bson.M{"queue": queue, "enqueue_id": enqueueID}); err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return nil
}

// MarkDeleted upserts a tombstone. Idempotent.
func (s *Store) MarkDeleted(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"queue": queue, "enqueue_id": enqueueID}
	update := bson.M{"$setOnInsert": bson.M{"deleted_at": time.Now().UTC()}}
	_, err := s.tombstones.UpdateOne(ctx, filter, update, mongoopts.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// IsDeleted reports whether a tombstone exists.
func (s *Store) IsDeleted(ctx context.Context, queue, enqueueID string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	n, err := s.tombstones.CountDocuments(ctx, bson.M{"queue": queue, "enqueue_id": enqueueID}, mongoopts.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("is deleted: %w", err)
	}
	return n > 0, nil
}

// RemoveDeletedMark removes a tombstone. Idempotent.
func (s *Store) RemoveDeletedMark(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if _, err := s.tombstones.DeleteOne(ctx, bson.M{"queue": queue, "enqueue_id": enqueueID}); err != nil {
		return fmt.Errorf("remove deleted mark: %w", err)
	}
	return nil
}
