package gcs

import (
	"log/slog"

	"github.com/rbaliyan/queueview/retry"
)

type options struct {
	bucket string
	prefix string

	// Emulators and tests
	endpoint string

	// Mutually exclusive; Application Default Credentials when all are empty.
	credentialsJSON []byte
	credentialsFile string

	retry  retry.Policy
	logger *slog.Logger
}

// Option configures the GCS blob store.
type Option func(*options)

// WithBucket sets the bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object name prefix. Default is "queueview/blobs".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint points the client at an emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsJSON authenticates with a service account key held in memory.
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithRetry sets the retry policy for GCS calls.
func WithRetry(p retry.Policy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
