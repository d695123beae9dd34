// Package memory provides an in-memory blob store for tests and development.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rbaliyan/queueview/store"
)

// Store keeps blobs in a map keyed by content hash.
type Store struct {
	mu    sync.RWMutex
	blobs map[store.BlobID][]byte
}

var _ store.BlobStore = (*Store)(nil)

// New creates an empty blob store.
func New() *Store {
	return &Store{blobs: make(map[store.BlobID][]byte)}
}

// Save stores a copy of data. Saving identical content twice is a no-op.
func (s *Store) Save(ctx context.Context, data []byte) (store.BlobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := store.ComputeBlobID(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		s.blobs[id] = bytes.Clone(data)
	}
	return id, nil
}

// Load returns a reader over the blob.
func (s *Store) Load(ctx context.Context, id store.BlobID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, id store.BlobID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Has reports whether a blob is stored.
func (s *Store) Has(id store.BlobID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok
}
