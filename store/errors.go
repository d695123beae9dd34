package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when an item, location, watermark or
	// configuration cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid enqueue id is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidQueue is returned when a queue name is empty or malformed.
	ErrInvalidQueue = errors.New("store: invalid queue name")

	// ErrInvalidWatermark is returned for an unknown watermark kind.
	ErrInvalidWatermark = errors.New("store: invalid watermark")

	// ErrInvalidItem is returned when an item is missing required fields.
	ErrInvalidItem = errors.New("store: invalid item")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrBlobNotFound is returned when a content blob does not exist.
	ErrBlobNotFound = errors.New("store: blob not found")

	// ErrTransactionFailed is returned when a database transaction fails.
	// No changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsBlobNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound)
}

func IsInvalidQueue(err error) bool {
	return errors.Is(err, ErrInvalidQueue)
}
