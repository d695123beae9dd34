package dynamodb

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/queueview/retry"
)

// Default configuration values.
const (
	DefaultTable   = "queueview"
	DefaultRegion  = "us-east-1"
	DefaultTimeout = 10 * time.Second
)

type options struct {
	table    string
	region   string
	endpoint string

	accessKey    string
	secretKey    string
	sessionToken string

	timeout time.Duration
	retry   retry.Policy
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		table:   DefaultTable,
		region:  DefaultRegion,
		timeout: DefaultTimeout,
		retry:   retry.DefaultPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the DynamoDB store.
type Option func(*options)

// WithTable sets the table name. The table must have a string partition
// key "pk" and a string sort key "sk".
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint sets a custom endpoint, for DynamoDB Local or LocalStack.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithStaticCredentials sets long-term credentials. Without it the default
// AWS credential chain is used.
func WithStaticCredentials(accessKey, secretKey, sessionToken string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
		o.sessionToken = sessionToken
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry sets the policy for resubmitting unprocessed batch deletes.
func WithRetry(p retry.Policy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
