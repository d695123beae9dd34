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

// configurationID is the _id of the single configuration document.
const configurationID = "view"

// FindWatermark returns the watermark or store.ErrNotFound.
func (s *Store) FindWatermark(ctx context.Context, kind store.Watermark, queue string) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}
	if !kind.Valid() {
		return time.Time{}, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc watermarkDoc
	err := s.watermarks.FindOne(ctx, bson.M{"kind": string(kind), "queue": queue}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, store.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("find watermark: %w", err)
	}
	return doc.At.UTC(), nil
}

// InsertWatermarkIfAbsent upserts with $setOnInsert; the first writer wins.
// A concurrent upsert losing the race on the unique index surfaces as a
// duplicate key error and reports false.
func (s *Store) InsertWatermarkIfAbsent(ctx context.Context, kind store.Watermark, queue string, at time.Time) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if !kind.Valid() {
		return false, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"kind": string(kind), "queue": queue}
	update := bson.M{"$setOnInsert": bson.M{"at": at.UTC()}}
	result, err := s.watermarks.UpdateOne(ctx, filter, update, mongoopts.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert watermark: %w", err)
	}
	return result.UpsertedCount == 1, nil
}

// UpdateWatermark overwrites the watermark.
func (s *Store) UpdateWatermark(ctx context.Context, kind store.Watermark, queue string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !kind.Valid() {
		return store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"kind": string(kind), "queue": queue}
	update := bson.M{"$set": bson.M{"at": at.UTC()}}
	if _, err := s.watermarks.UpdateOne(ctx, filter, update, mongoopts.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns the watermark of every queue for kind.
func (s *Store) ListWatermarks(ctx context.Context, kind store.Watermark) (map[string]time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.watermarks.Find(ctx, bson.M{"kind": string(kind)})
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []watermarkDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode watermarks: %w", err)
	}
	out := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		out[d.Queue] = d.At.UTC()
	}
	return out, nil
}

// LoadConfiguration returns the saved configuration or store.ErrNotFound.
func (s *Store) LoadConfiguration(ctx context.Context) (*store.ViewConfiguration, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc configurationDoc
	if err := s.configuration.FindOne(ctx, bson.M{"_id": configurationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &store.ViewConfiguration{
		SliceWindow: time.Duration(doc.SliceWindowMS) * time.Millisecond,
		BucketCount: doc.BucketCount,
	}, nil
}

// SaveConfiguration overwrites the configuration.
func (s *Store) SaveConfiguration(ctx context.Context, cfg store.ViewConfiguration) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := configurationDoc{
		ID:            configurationID,
		SliceWindowMS: cfg.SliceWindow.Milliseconds(),
		BucketCount:   cfg.BucketCount,
	}
	_, err := s.configuration.ReplaceOne(ctx, bson.M{"_id": configurationID}, doc, mongoopts.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}
