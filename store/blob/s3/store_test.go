package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rbaliyan/queueview/retry"
	"github.com/rbaliyan/queueview/store"
)

// fakeS3 keeps objects in a map and fails the first failures calls.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int
	calls    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("throttled")
	}
	return nil
}

func (f *fakeS3) UploadObject(_ context.Context, in *transfermanager.UploadObjectInput, _ ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &transfermanager.UploadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestStore(t *testing.T, fake *fakeS3) *Store {
	t.Helper()
	s, err := NewWithClient(fake, fake,
		WithBucket("mail"),
		WithPrefix("blobs"),
		WithRetry(retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := newTestStore(t, fake)

	data := []byte("Subject: hi\r\n\r\n")
	id, err := s.Save(ctx, data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id != store.ComputeBlobID(data) {
		t.Errorf("id = %s, want content hash", id)
	}

	key := "blobs/" + string(id)[:2] + "/" + string(id)[2:4] + "/" + string(id)
	if _, ok := fake.objects[key]; !ok {
		t.Errorf("expected object at %s, have %v", key, fake.objects)
	}

	rc, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Errorf("Load = %q, want %q", got, data)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, id); !errors.Is(err, store.ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Errorf("second Delete should succeed, got %v", err)
	}
}

func TestStoreRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures", func(t *testing.T) {
		fake := newFakeS3()
		fake.failures = 2
		s := newTestStore(t, fake)
		if _, err := s.Save(ctx, []byte("x")); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if fake.calls != 3 {
			t.Errorf("calls = %d, want 3", fake.calls)
		}
	})

	t.Run("not found is not retried", func(t *testing.T) {
		fake := newFakeS3()
		s := newTestStore(t, fake)
		_, err := s.Load(ctx, store.ComputeBlobID([]byte("absent")))
		if !errors.Is(err, store.ErrBlobNotFound) {
			t.Fatalf("expected ErrBlobNotFound, got %v", err)
		}
		if fake.calls != 1 {
			t.Errorf("calls = %d, want 1", fake.calls)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		fake := newFakeS3()
		fake.failures = 10
		s := newTestStore(t, fake)
		_, err := s.Save(ctx, []byte("x"))
		if !errors.Is(err, retry.ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
	})
}

func TestInvalidID(t *testing.T) {
	s := newTestStore(t, newFakeS3())
	if _, err := s.Load(context.Background(), "../etc/passwd"); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if err := s.Delete(context.Background(), store.BlobID(strings.Repeat("z", 64))); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := NewWithClient(newFakeS3(), newFakeS3()); err == nil {
		t.Error("expected error without bucket")
	}
}
