// Package gcs provides a blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const scope = "https://www.googleapis.com/auth/devstorage.read_write"

// Store implements store.BlobStore on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	retry  retry.Policy
	logger *slog.Logger
}

var _ store.BlobStore = (*Store)(nil)

// New creates a GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		prefix: "queueview/blobs",
		retry:  retry.DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		retry:  o.retry,
		logger: o.logger,
	}, nil
}

func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	if o.credentialsJSON != nil || o.credentialsFile != "" {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{scope},
			CredentialsJSON: o.credentialsJSON,
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint), option.WithoutAuthentication())
	}
	return opts, nil
}

// objectName spreads objects over two levels of hash prefixes.
func objectName(prefix string, id store.BlobID) string {
	v := string(id)
	return path.Join(prefix, v[:2], v[2:4], v)
}

// Save writes data unless an object with the same hash already exists.
func (s *Store) Save(ctx context.Context, data []byte) (store.BlobID, error) {
	id := store.ComputeBlobID(data)
	name := objectName(s.prefix, id)
	obj := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		w := obj.NewWriter(ctx)
		w.ContentType = "application/octet-stream"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		err := w.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("gcs: write %s: %w", name, err)
	}

	s.logger.Debug("saved blob to gcs", "bucket", s.bucket, "object", name, "size", len(data))
	return id, nil
}

// Load returns a reader over the object.
func (s *Store) Load(ctx context.Context, id store.BlobID) (io.ReadCloser, error) {
	if !id.Valid() {
		return nil, store.ErrInvalidID
	}
	name := objectName(s.prefix, id)
	obj := s.client.Bucket(s.bucket).Object(name)

	r, err := retry.Value(ctx, s.retry, func(ctx context.Context) (*storage.Reader, error) {
		r, err := obj.NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, retry.Permanent(store.ErrBlobNotFound)
		}
		return r, err
	})
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, fmt.Errorf("gcs: %s: %w", name, store.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("gcs: read %s: %w", name, err)
	}
	return r, nil
}

// Delete removes the object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, id store.BlobID) error {
	if !id.Valid() {
		return store.ErrInvalidID
	}
	name := objectName(s.prefix, id)
	obj := s.client.Bucket(s.bucket).Object(name)

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		err := obj.Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("gcs: delete %s: %w", name, err)
	}

	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "object", name)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
