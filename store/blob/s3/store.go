// Package s3 provides a blob store on AWS S3 or an S3-compatible service.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
)

// ObjectAPI is the subset of the S3 client used for reads and deletes.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader writes objects. *transfermanager.Client satisfies it.
type Uploader interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, opts ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

// Store implements store.BlobStore on S3. Objects are keyed by blob id, so
// saving the same content twice rewrites the same object.
type Store struct {
	api      ObjectAPI
	uploader Uploader
	bucket   string
	prefix   string
	retry    retry.Policy
	logger   *slog.Logger
}

var _ store.BlobStore = (*Store)(nil)

func newOptions(opts []Option) *options {
	o := &options{
		region:          "us-east-1",
		prefix:          "queueview/blobs",
		roleSessionName: defaultSessionName,
		retry:           retry.DefaultPolicy(),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New creates an S3 blob store. ctx is used to load AWS configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts)
	if o.bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	awsCfg, err := loadAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
		}
		so.UsePathStyle = o.usePathStyle
	})
	return NewWithClient(client, transfermanager.New(client), opts...)
}

// NewWithClient creates a store on existing clients.
func NewWithClient(api ObjectAPI, uploader Uploader, opts ...Option) (*Store, error) {
	o := newOptions(opts)
	if o.bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	return &Store{
		api:      api,
		uploader: uploader,
		bucket:   o.bucket,
		prefix:   o.prefix,
		retry:    o.retry,
		logger:   o.logger,
	}, nil
}

func loadAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)))
	case o.roleARN != "":
		base, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config: %w", err)
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(assumeRole(base, o)))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// key spreads objects over two levels of hash prefixes.
func (s *Store) key(id store.BlobID) string {
	v := string(id)
	return path.Join(s.prefix, v[:2], v[2:4], v)
}

// Save uploads data under its content hash.
func (s *Store) Save(ctx context.Context, data []byte) (store.BlobID, error) {
	id := store.ComputeBlobID(data)
	key := s.key(id)

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("s3: upload %s: %w", key, err)
	}

	s.logger.Debug("saved blob to s3", "bucket", s.bucket, "key", key, "size", len(data))
	return id, nil
}

// Load returns the object body. Missing objects yield store.ErrBlobNotFound.
func (s *Store) Load(ctx context.Context, id store.BlobID) (io.ReadCloser, error) {
	if !id.Valid() {
		return nil, store.ErrInvalidID
	}
	key := s.key(id)

	out, err := retry.Value(ctx, s.retry, func(ctx context.Context) (*s3.GetObjectOutput, error) {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return nil, retry.Permanent(store.ErrBlobNotFound)
		}
		return out, err
	})
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return nil, fmt.Errorf("s3: %s: %w", key, store.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, id store.BlobID) error {
	if !id.Valid() {
		return store.ErrInvalidID
	}
	key := s.key(id)

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}

	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
