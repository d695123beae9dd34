// Package dynamodb provides a DynamoDB implementation of store.Store.
//
// Everything lives in one table keyed by the string attributes pk and sk:
//
//	items       pk = PART#<queue>#<slice millis>#<bucket>   sk = MAIL#<mail key>
//	locations   pk = LOC#<queue>#<enqueue id>               sk = LOC
//	tombstones  pk = TOMB#<queue>#<enqueue id>              sk = TOMB
//	watermarks  pk = WATERMARK#<kind>                       sk = QUEUE#<queue>
//	config      pk = CONFIG                                 sk = CONFIG
//
// Queue names never contain '#', so keys cannot collide.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
)

// Client is the subset of the DynamoDB API used by the store.
type Client interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, input *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store on a single DynamoDB table.
type Store struct {
	client    Client
	table     string
	timeout   time.Duration
	retry     retry.Policy
	logger    *slog.Logger
	connected int32
}

// New creates a store with a client built from the AWS default configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(o.region)}
	if o.accessKey != "" && o.secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(do *dynamodb.Options) {
		if o.endpoint != "" {
			do.BaseEndpoint = aws.String(o.endpoint)
		}
	})
	return NewWithClient(client, opts...), nil
}

// NewWithClient creates a store on an existing client.
func NewWithClient(client Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client:  client,
		table:   o.table,
		timeout: o.timeout,
		retry:   o.retry,
		logger:  o.logger,
	}
}

// Connect marks the store as connected. The table must already exist.
func (s *Store) Connect(_ context.Context) error {
	if s.client == nil {
		return errors.New("dynamodb: client is required")
	}
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	s.logger.Info("connected to DynamoDB", "table", s.table)
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
