package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rbaliyan/queueview/store"
)

// MarkDeleted records a tombstone. Idempotent.
func (s *Store) MarkDeleted(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	item := key(tombstonePK(queue, enqueueID), tombSK)
	item["deletedAt"] = attrMillis(time.Now())
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
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

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  key(tombstonePK(queue, enqueueID), tombSK),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("is deleted: %w", err)
	}
	return out.Item != nil, nil
}

// RemoveDeletedMark removes a tombstone. Idempotent.
func (s *Store) RemoveDeletedMark(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}
	return s.deleteKey(ctx, tombstonePK(queue, enqueueID), tombSK, "remove deleted mark")
}

// FindWatermark returns the watermark or store.ErrNotFound.
func (s *Store) FindWatermark(ctx context.Context, kind store.Watermark, queue string) (time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return time.Time{}, err
	}
	if !kind.Valid() {
		return time.Time{}, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(watermarkPK(kind), watermarkSK(queue)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("find watermark: %w", err)
	}
	if out.Item == nil {
		return time.Time{}, store.ErrNotFound
	}
	return getMillis(out.Item, "at")
}

// InsertWatermarkIfAbsent writes with attribute_not_exists(pk); the first
// writer wins and later writers see a failed condition.
func (s *Store) InsertWatermarkIfAbsent(ctx context.Context, kind store.Watermark, queue string, at time.Time) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if !kind.Valid() {
		return false, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                watermarkItem(kind, queue, at),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("insert watermark: %w", err)
	}
	return true, nil
}

// UpdateWatermark overwrites the watermark.
func (s *Store) UpdateWatermark(ctx context.Context, kind store.Watermark, queue string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !kind.Valid() {
		return store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      watermarkItem(kind, queue, at),
	})
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

func watermarkItem(kind store.Watermark, queue string, at time.Time) map[string]types.AttributeValue {
	item := key(watermarkPK(kind), watermarkSK(queue))
	item["at"] = attrMillis(at)
	return item
}

// ListWatermarks queries the watermark partition of kind.
func (s *Store) ListWatermarks(ctx context.Context, kind store.Watermark) (map[string]time.Time, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, store.ErrInvalidWatermark
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.queryPartition(ctx, watermarkPK(kind), "")
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		at, err := getMillis(row, "at")
		if err != nil {
			return nil, fmt.Errorf("decode watermark: %w", err)
		}
		out[strings.TrimPrefix(getS(row, "sk"), "QUEUE#")] = at
	}
	return out, nil
}

// LoadConfiguration returns the saved configuration or store.ErrNotFound.
func (s *Store) LoadConfiguration(ctx context.Context) (*store.ViewConfiguration, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(configKey, configKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	window, err := getN(out.Item, "sliceWindowMs")
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	buckets, err := getN(out.Item, "bucketCount")
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &store.ViewConfiguration{
		SliceWindow: time.Duration(window) * time.Millisecond,
		BucketCount: int(buckets),
	}, nil
}

// SaveConfiguration overwrites the configuration.
func (s *Store) SaveConfiguration(ctx context.Context, cfg store.ViewConfiguration) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	item := key(configKey, configKey)
	item["sliceWindowMs"] = attrN(cfg.SliceWindow.Milliseconds())
	item["bucketCount"] = attrN(int64(cfg.BucketCount))
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}
