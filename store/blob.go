package store

import (
	"context"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blake2b"
)

// BlobID is the content address of a blob: the hex BLAKE2b-256 digest of its bytes.
type BlobID string

// ComputeBlobID returns the content address of data.
func ComputeBlobID(data []byte) BlobID {
	sum := blake2b.Sum256(data)
	return BlobID(hex.EncodeToString(sum[:]))
}

// Valid reports whether id looks like a content address.
func (id BlobID) Valid() bool {
	if len(id) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil
}

// BlobStore is a content-addressed store for MIME parts.
// Implementations can support S3, GCS, local disk or memory.
type BlobStore interface {
	// Save stores data and returns its content address.
	// Saving identical bytes twice returns the same id.
	Save(ctx context.Context, data []byte) (BlobID, error)

	// Load returns a reader for the blob content.
	// Returns ErrBlobNotFound if the blob does not exist.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, id BlobID) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id BlobID) error
}
