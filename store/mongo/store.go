// Package mongo provides a MongoDB implementation of store.Store.
//
// Items, locations, tombstones and watermarks each live in their own
// collection with a unique index on the logical primary key. Writes are
// single-document upserts, so no multi-document transaction and therefore
// no replica set is required.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/queueview/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Collection names, before the configured prefix.
const (
	itemsCollection         = "items"
	locationsCollection     = "locations"
	tombstonesCollection    = "tombstones"
	watermarksCollection    = "watermarks"
	configurationCollection = "configuration"
)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	opts      *options
	connected int32
	logger    *slog.Logger

	items         *mongo.Collection
	locations     *mongo.Collection
	tombstones    *mongo.Collection
	watermarks    *mongo.Collection
	configuration *mongo.Collection
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Open creates a client for uri. The caller owns the client returned by Client.
func Open(uri string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return New(client, opts...), nil
}

// Client returns the underlying client.
func (s *Store) Client() *mongo.Client {
	return s.client
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.items = s.db.Collection(s.collectionName(itemsCollection))
	s.locations = s.db.Collection(s.collectionName(locationsCollection))
	s.tombstones = s.db.Collection(s.collectionName(tombstonesCollection))
	s.watermarks = s.db.Collection(s.collectionName(watermarksCollection))
	s.configuration = s.db.Collection(s.collectionName(configurationCollection))

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database, "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) collectionName(name string) string {
	return s.opts.prefix + name
}

// indexModels returns the unique index of every collection keyed by name.
func indexModels() map[string][]mongo.IndexModel {
	unique := mongoopts.Index().SetUnique(true)
	return map[string][]mongo.IndexModel{
		itemsCollection: {{
			Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "slice", Value: 1},
				{Key: "bucket", Value: 1},
				{Key: "mail_key", Value: 1},
			},
			Options: unique,
		}},
		locationsCollection: {{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "enqueue_id", Value: 1}},
			Options: unique,
		}},
		tombstonesCollection: {{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "enqueue_id", Value: 1}},
			Options: unique,
		}},
		watermarksCollection: {{
			Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "queue", Value: 1}},
			Options: unique,
		}},
	}
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	for name, models := range indexModels() {
		coll := s.db.Collection(s.collectionName(name))
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
