package dynamodb

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/storetest"
)

// fakeTable is an in-memory table that understands the handful of
// expressions the store sends.
type fakeTable struct {
	mu   sync.Mutex
	rows map[string]map[string]map[string]types.AttributeValue // pk -> sk -> item

	// pageSize limits Query pages when positive.
	pageSize int
	// unprocessed leaves this many batch requests unprocessed, once each.
	unprocessed int
	batchCalls  int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string]map[string]map[string]types.AttributeValue)}
}

func keyOf(k map[string]types.AttributeValue) (string, string) {
	return getS(k, "pk"), getS(k, "sk")
}

func (f *fakeTable) put(item map[string]types.AttributeValue) {
	pk, sk := keyOf(item)
	if f.rows[pk] == nil {
		f.rows[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.rows[pk][sk] = item
}

func (f *fakeTable) del(k map[string]types.AttributeValue) {
	pk, sk := keyOf(k)
	delete(f.rows[pk], sk)
	if len(f.rows[pk]) == 0 {
		delete(f.rows, pk)
	}
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, sk := keyOf(in.Key)
	return &dynamodb.GetItemOutput{Item: f.rows[pk][sk]}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(pk)" {
		pk, sk := keyOf(in.Item)
		if _, ok := f.rows[pk][sk]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.put(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.del(in.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := getS(in.ExpressionAttributeValues, ":pk")
	sks := make([]string, 0, len(f.rows[pk]))
	for sk := range f.rows[pk] {
		sks = append(sks, sk)
	}
	slices.Sort(sks)
	if in.ExclusiveStartKey != nil {
		_, after := keyOf(in.ExclusiveStartKey)
		i, _ := slices.BinarySearch(sks, after)
		for i < len(sks) && sks[i] <= after {
			i++
		}
		sks = sks[i:]
	}

	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		if f.pageSize > 0 && len(out.Items) == f.pageSize {
			out.LastEvaluatedKey = key(pk, getS(out.Items[len(out.Items)-1], "sk"))
			break
		}
		out.Items = append(out.Items, f.rows[pk][sk])
	}
	return out, nil
}

func (f *fakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		if ti.Put != nil && !f.holds(ti.Put) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("cancelled"), CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.put(ti.Put.Item)
		case ti.Delete != nil:
			f.del(ti.Delete.Key)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// holds evaluates the condition of a transactional put.
func (f *fakeTable) holds(put *types.Put) bool {
	pk, sk := keyOf(put.Item)
	existing, ok := f.rows[pk][sk]
	switch aws.ToString(put.ConditionExpression) {
	case "attribute_not_exists(pk)":
		return !ok
	case "enqueueId = :prev":
		return ok && getS(existing, "enqueueId") == getS(put.ExpressionAttributeValues, ":prev")
	}
	return true
}

func (f *fakeTable) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, requests := range in.RequestItems {
		if len(requests) > maxBatchWrite {
			return nil, errors.New("too many requests in batch")
		}
		for _, r := range requests {
			if f.unprocessed > 0 {
				f.unprocessed--
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], r)
				continue
			}
			if r.DeleteRequest != nil {
				f.del(r.DeleteRequest.Key)
			}
		}
	}
	return out, nil
}

func (f *fakeTable) partitionLen(pk string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[pk])
}

func connected(t *testing.T, client Client, opts ...Option) *Store {
	t.Helper()
	s := NewWithClient(client, opts...)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

var fastRetry = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return connected(t, newFakeTable())
	})
}

func TestConformancePaginated(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		f := newFakeTable()
		f.pageSize = 1
		return connected(t, f)
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	if err := NewWithClient(nil).Connect(ctx); err == nil {
		t.Error("expected error without client")
	}

	s := NewWithClient(newFakeTable())
	if _, err := s.LocateItem(ctx, "q", store.NewEnqueueID()); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestDeleteBucketBatches(t *testing.T) {
	ctx := context.Background()
	f := newFakeTable()
	s := connected(t, f, WithRetry(fastRetry))
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := range 60 {
		item := storetest.NewItem("spool", string(rune('A'+i)), slice, 2)
		if err := s.InsertItem(ctx, item); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pk := partitionPK("spool", slice, 2)
	if n := f.partitionLen(pk); n != 60 {
		t.Fatalf("expected 60 rows, got %d", n)
	}

	f.unprocessed = 3
	if err := s.DeleteBucket(ctx, "spool", slice, 2); err != nil {
		t.Fatalf("delete bucket: %v", err)
	}
	if n := f.partitionLen(pk); n != 0 {
		t.Errorf("expected empty partition, got %d rows", n)
	}
	// 60 rows need 3 batches; the unprocessed requests cost one more call.
	if f.batchCalls != 4 {
		t.Errorf("expected 4 batch calls, got %d", f.batchCalls)
	}
}

func TestDeleteBucketGivesUp(t *testing.T) {
	ctx := context.Background()
	f := newFakeTable()
	s := connected(t, f, WithRetry(fastRetry))
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.InsertItem(ctx, storetest.NewItem("spool", "a", slice, 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f.unprocessed = 100
	err := s.DeleteBucket(ctx, "spool", slice, 0)
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

// mockClient is a test double with per-call hooks.
type mockClient struct {
	*fakeTable
	transactFunc func(ctx context.Context, in *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
	putItemFunc  func(ctx context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
}

func (m *mockClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactFunc != nil {
		return m.transactFunc(ctx, in)
	}
	return m.fakeTable.TransactWriteItems(ctx, in, opts...)
}

func (m *mockClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, in)
	}
	return m.fakeTable.PutItem(ctx, in, opts...)
}

func TestInsertItemRequest(t *testing.T) {
	ctx := context.Background()
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	item := storetest.NewItem("spool", "mail-1", slice, 3)

	m := &mockClient{fakeTable: newFakeTable()}
	m.transactFunc = func(_ context.Context, in *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
		if len(in.TransactItems) != 2 {
			t.Fatalf("expected 2 writes, got %d", len(in.TransactItems))
		}
		if got := aws.ToString(in.TransactItems[0].Put.TableName); got != "mta" {
			t.Errorf("table = %q", got)
		}
		pk, sk := keyOf(in.TransactItems[0].Put.Item)
		if pk != "LOC#spool#"+item.EnqueueID || sk != "LOC" {
			t.Errorf("location key = %s / %s", pk, sk)
		}
		pk, sk = keyOf(in.TransactItems[1].Put.Item)
		if pk != "PART#spool#"+"1709287200000#3" || sk != "MAIL#mail-1" {
			t.Errorf("item key = %s / %s", pk, sk)
		}
		return &dynamodb.TransactWriteItemsOutput{}, nil
	}
	s := connected(t, m, WithTable("mta"))
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestInsertItemRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := storetest.NewItem("spool", "mail-1", slice, 0)
	second := storetest.NewItem("spool", "mail-1", slice, 0)

	f := newFakeTable()
	m := &mockClient{fakeTable: f}
	raced := false
	m.transactFunc = func(ctx context.Context, in *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
		if !raced {
			// Another writer lands the first attempt between read and write.
			raced = true
			f.mu.Lock()
			f.put(marshalLocation(first.Location()))
			f.put(marshalItem(first))
			f.put(key(tombstonePK("spool", first.EnqueueID), tombSK))
			f.mu.Unlock()
		}
		return f.TransactWriteItems(ctx, in)
	}
	s := connected(t, m, WithRetry(fastRetry))
	if err := s.InsertItem(ctx, second); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.LocateItem(ctx, "spool", first.EnqueueID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("displaced location should be gone, got %v", err)
	}
	if deleted, err := s.IsDeleted(ctx, "spool", first.EnqueueID); err != nil || deleted {
		t.Errorf("displaced tombstone should be gone: %v %v", deleted, err)
	}
	items, err := s.SelectItems(ctx, "spool", slice, 0)
	if err != nil || len(items) != 1 || items[0].EnqueueID != second.EnqueueID {
		t.Errorf("unexpected partition %v %v", items, err)
	}
}

func TestInsertItemConflictGivesUp(t *testing.T) {
	ctx := context.Background()
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m := &mockClient{fakeTable: newFakeTable()}
	m.transactFunc = func(context.Context, *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("cancelled"),
			CancellationReasons: []types.CancellationReason{{Code: aws.String("None")}, {Code: aws.String("ConditionalCheckFailed")}},
		}
	}
	s := connected(t, m, WithRetry(fastRetry))
	err := s.InsertItem(ctx, storetest.NewItem("spool", "a", slice, 0))
	if !errors.Is(err, store.ErrTransactionFailed) || !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected exhausted transaction failure, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("cancelled transaction", func(t *testing.T) {
		m := &mockClient{fakeTable: newFakeTable()}
		m.transactFunc = func(context.Context, *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, &types.TransactionCanceledException{Message: aws.String("conflict")}
		}
		s := connected(t, m)
		err := s.InsertItem(ctx, storetest.NewItem("spool", "a", slice, 0))
		if !errors.Is(err, store.ErrTransactionFailed) {
			t.Errorf("expected ErrTransactionFailed, got %v", err)
		}
	})

	t.Run("throttled watermark insert", func(t *testing.T) {
		m := &mockClient{fakeTable: newFakeTable()}
		throttled := &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
		m.putItemFunc = func(context.Context, *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, throttled
		}
		s := connected(t, m)
		created, err := s.InsertWatermarkIfAbsent(ctx, store.BrowseStart, "spool", slice)
		if created || !errors.As(err, &throttled) {
			t.Errorf("expected throttling error, got %v (%v)", err, created)
		}
	})
}

func TestMarshalItemOmitsEmpty(t *testing.T) {
	item := &store.EnqueuedItem{
		Queue:     "spool",
		EnqueueID: store.NewEnqueueID(),
		Envelope:  store.MailEnvelope{Name: "bare"},
		Slice:     time.UnixMilli(0).UTC(),
	}
	av := marshalItem(item)
	for _, name := range []string{"sender", "recipients", "attributes", "perRecipientHeaders", "lastUpdated", "headerBlobId"} {
		if _, ok := av[name]; ok {
			t.Errorf("expected %s to be omitted", name)
		}
	}
	got, err := unmarshalItem(av)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MailKey() != "bare" || got.Envelope.Recipients != nil || !got.Envelope.LastUpdated.IsZero() {
		t.Errorf("unexpected item %+v", got)
	}
}
