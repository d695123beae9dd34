package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
)

// maxBatchWrite is the BatchWriteItem request limit.
const maxBatchWrite = 25

var errUnprocessed = errors.New("dynamodb: unprocessed batch items")

// InsertItem writes the location and the item in one transaction. When the
// item overwrites another attempt with the same mail key, the transaction also
// deletes that attempt's location and tombstone. The put is conditioned on the
// row read beforehand; a concurrent writer cancels the transaction and the
// insert is retried.
func (s *Store) InsertItem(ctx context.Context, item *store.EnqueuedItem) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.insertItem(ctx, item)
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) || errors.Is(err, errInsertConflict) {
			return fmt.Errorf("insert item: %w: %w", store.ErrTransactionFailed, err)
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

var errInsertConflict = errors.New("dynamodb: item changed during insert")

func (s *Store) insertItem(ctx context.Context, item *store.EnqueuedItem) error {
	itemKey := key(partitionPK(item.Queue, item.Slice, item.Bucket), mailSK(item.MailKey()))
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  itemKey,
		ProjectionExpression: aws.String("enqueueId"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return retry.Permanent(err)
	}

	put := &types.Put{TableName: aws.String(s.table), Item: marshalItem(item)}
	writes := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.table), Item: marshalLocation(item.Location())}},
		{Put: put},
	}
	if out.Item == nil {
		put.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		prev := getS(out.Item, "enqueueId")
		put.ConditionExpression = aws.String("enqueueId = :prev")
		put.ExpressionAttributeValues = map[string]types.AttributeValue{":prev": attrS(prev)}
		if prev != item.EnqueueID {
			writes = append(writes,
				types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(s.table), Key: key(locationPK(item.Queue, prev), locSK)}},
				types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(s.table), Key: key(tombstonePK(item.Queue, prev), tombSK)}},
			)
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err == nil {
		return nil
	}
	if conditionFailed(err) {
		return errInsertConflict
	}
	return retry.Permanent(err)
}

// conditionFailed reports whether a transaction was cancelled by a failed
// condition check.
func conditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// SelectItems queries one partition. DynamoDB returns the rows sorted by
// sk, which orders them by mail key.
func (s *Store) SelectItems(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) ([]*store.EnqueuedItem, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.queryPartition(ctx, partitionPK(queue, slice, bucket), "")
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	items := make([]*store.EnqueuedItem, 0, len(rows))
	for _, row := range rows {
		item, err := unmarshalItem(row)
		if err != nil {
			return nil, fmt.Errorf("decode item %s: %w", getS(row, "sk"), err)
		}
		items = append(items, item)
	}
	return items, nil
}

// DeleteBucket removes every row of one partition with batched deletes.
func (s *Store) DeleteBucket(ctx context.Context, queue string, slice time.Time, bucket store.BucketID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pk := partitionPK(queue, slice, bucket)
	rows, err := s.queryPartition(ctx, pk, "pk, sk")
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}

	for start := 0; start < len(rows); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(rows))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, row := range rows[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key(pk, getS(row, "sk"))},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
	}
	return nil
}

// batchWrite resubmits unprocessed requests under the retry policy.
func (s *Store) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := requests
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: pending},
		})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems[s.table]
		if len(pending) > 0 {
			return errUnprocessed
		}
		return nil
	})
}

// queryPartition returns every row under pk, following pagination.
func (s *Store) queryPartition(ctx context.Context, pk, projection string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": attrS(pk),
		},
		ConsistentRead: aws.Bool(true),
	}
	if projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}

	var rows []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		rows = append(rows, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// LocateItem returns the location of an enqueue attempt.
func (s *Store) LocateItem(ctx context.Context, queue, enqueueID string) (*store.ItemLocation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(locationPK(queue, enqueueID), locSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("locate item: %w", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	return unmarshalLocation(out.Item)
}

// DeleteLocation removes the location row. Idempotent.
func (s *Store) DeleteLocation(ctx context.Context, queue, enqueueID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := store.ValidateEnqueueID(enqueueID); err != nil {
		return err
	}
	return s.deleteKey(ctx, locationPK(queue, enqueueID), locSK, "delete location")
}

func (s *Store) deleteKey(ctx context.Context, pk, sk, op string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
