package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/rbaliyan/queueview"
	"github.com/rbaliyan/queueview/internal/config"
	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/blob/cached"
	"github.com/rbaliyan/queueview/store/blob/gcs"
	blobmemory "github.com/rbaliyan/queueview/store/blob/memory"
	blobotel "github.com/rbaliyan/queueview/store/blob/otel"
	"github.com/rbaliyan/queueview/store/blob/s3"
	"github.com/rbaliyan/queueview/store/dynamodb"
	"github.com/rbaliyan/queueview/store/memory"
	"github.com/rbaliyan/queueview/store/mongo"
	"github.com/rbaliyan/queueview/store/postgres"
)

// Runtime is a connected view plus the resources it owns.
type Runtime struct {
	View    queueview.View
	closers []func(context.Context) error
}

// Close closes the view, then every backend client in reverse order.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.View != nil {
		errs = append(errs, r.View.Close(ctx))
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (r *Runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// BuildFunc creates a connected runtime from configuration.
type BuildFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error)

// Build wires the configured store, blob store and event transport into a
// connected view.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	v, err := build(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	rt.View = v
	return rt, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, rt *Runtime) (queueview.View, error) {
	st, err := openStore(ctx, cfg.Store, logger, rt)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg.Blobs, logger, rt)
	if err != nil {
		return nil, err
	}

	opts := []queueview.Option{
		queueview.WithStore(st),
		queueview.WithBlobStore(blobs),
		queueview.WithLogger(logger),
		queueview.WithSliceWindow(cfg.View.SliceWindow),
		queueview.WithBucketCount(cfg.View.BucketCount),
		queueview.WithUpdateBrowseStartPace(cfg.View.Pace),
		queueview.WithFanOut(cfg.View.FanOut),
		queueview.WithHealthGracePeriod(cfg.View.HealthGracePeriod),
		queueview.WithPurgeContent(cfg.View.PurgeContent),
		queueview.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		queueview.WithEventErrorsFatal(cfg.Events.Fatal),
	}
	if cfg.Events.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		rt.onClose(func(context.Context) error { return client.Close() })
		opts = append(opts, queueview.WithRedisClient(client))
	}

	v, err := queueview.NewView(opts...)
	if err != nil {
		return nil, err
	}
	if err := v.Connect(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, rt *Runtime) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendPostgres:
		s, err := postgres.Open(cfg.Postgres.DSN,
			postgres.WithTablePrefix(cfg.Postgres.TablePrefix),
			postgres.WithTimeout(cfg.Timeout),
			postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return s.DB().Close() })
		return s, nil

	case config.BackendMongo:
		s, err := mongo.Open(cfg.Mongo.URI,
			mongo.WithDatabase(cfg.Mongo.Database),
			mongo.WithCollectionPrefix(cfg.Mongo.CollectionPrefix),
			mongo.WithTimeout(cfg.Timeout),
			mongo.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rt.onClose(func(ctx context.Context) error { return s.Client().Disconnect(ctx) })
		return s, nil

	case config.BackendDynamoDB:
		return dynamodb.New(ctx,
			dynamodb.WithTable(cfg.DynamoDB.Table),
			dynamodb.WithRegion(cfg.DynamoDB.Region),
			dynamodb.WithEndpoint(cfg.DynamoDB.Endpoint),
			dynamodb.WithTimeout(cfg.Timeout),
			dynamodb.WithLogger(logger))
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func openBlobs(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger, rt *Runtime) (store.BlobStore, error) {
	var blobs store.BlobStore
	switch cfg.Backend {
	case config.BackendMemory:
		blobs = blobmemory.New()

	case config.BackendS3:
		opts := []s3.Option{
			s3.WithBucket(cfg.S3.Bucket),
			s3.WithPrefix(cfg.S3.Prefix),
			s3.WithRegion(cfg.S3.Region),
			s3.WithLogger(logger),
		}
		if cfg.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.S3.Endpoint), s3.WithPathStyle(true))
		}
		if cfg.S3.RoleARN != "" {
			opts = append(opts, s3.WithAssumeRole(cfg.S3.RoleARN, "queueview", cfg.S3.ExternalID))
		}
		s, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		blobs = s

	case config.BackendGCS:
		opts := []gcs.Option{
			gcs.WithBucket(cfg.GCS.Bucket),
			gcs.WithPrefix(cfg.GCS.Prefix),
			gcs.WithLogger(logger),
		}
		if cfg.GCS.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(cfg.GCS.Endpoint))
		}
		if cfg.GCS.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(cfg.GCS.CredentialsFile))
		}
		s, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return s.Close() })
		blobs = s

	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}

	if cfg.Cache.Dir != "" {
		opts := []cached.Option{cached.WithCacheDir(cfg.Cache.Dir), cached.WithLogger(logger)}
		if cfg.Cache.MaxSize > 0 {
			opts = append(opts, cached.WithMaxSize(cfg.Cache.MaxSize))
		}
		if cfg.Cache.TTL > 0 {
			opts = append(opts, cached.WithTTL(cfg.Cache.TTL))
		}
		c, err := cached.New(blobs, opts...)
		if err != nil {
			return nil, fmt.Errorf("blob cache: %w", err)
		}
		rt.onClose(func(context.Context) error { return c.Close() })
		blobs = c
	}

	if cfg.Instrument {
		o, err := blobotel.New(blobs, blobotel.WithServiceName("queueview"))
		if err != nil {
			return nil, fmt.Errorf("blob instrumentation: %w", err)
		}
		blobs = o
	}
	return blobs, nil
}
