package queueview

import (
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/queueview/store"
)

// Sentinel errors for the queueview package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, store.ErrNotFound) matches both view-level and
// store-level "not found" errors.
var (
	// ErrNotFound is returned when an item or watermark cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("queueview: %w", store.ErrNotFound)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("queueview: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("queueview: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("queueview: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an enqueue id is not a UUID.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("queueview: %w", store.ErrInvalidID)

	// ErrInvalidQueue is returned for an empty or malformed queue name.
	// Wraps store.ErrInvalidQueue for consistent error checking.
	ErrInvalidQueue = fmt.Errorf("queueview: %w", store.ErrInvalidQueue)

	// ErrInvalidMail is returned when a mail envelope fails validation.
	ErrInvalidMail = errors.New("queueview: invalid mail")

	// ErrInvalidCondition is returned for a zero DeleteCondition.
	ErrInvalidCondition = errors.New("queueview: invalid delete condition")

	// ErrIncompatibleConfiguration is returned by Connect when the configured
	// slice window or bucket count cannot read data written with the stored
	// configuration.
	ErrIncompatibleConfiguration = errors.New("queueview: incompatible configuration")

	// ErrContentNotFound is returned for an item whose MIME content is
	// missing from the blob store.
	// Wraps store.ErrBlobNotFound for consistent error checking.
	ErrContentNotFound = fmt.Errorf("queueview: %w", store.ErrBlobNotFound)

	// ErrBlobStoreNotConfigured is returned when content must be read or
	// written but no blob store was configured.
	ErrBlobStoreNotConfigured = errors.New("queueview: blob store not configured")

	// ErrIteratorOutOfBounds is returned when an iterator accessor is called
	// without a successful Next().
	ErrIteratorOutOfBounds = errors.New("queueview: iterator out of bounds - call Next() first")
)

// ContentError reports that the content of a single browsed item could not
// be resolved. Browsing continues past it.
type ContentError struct {
	Queue     string
	EnqueueID string
	MailKey   string
	Err       error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("queueview: content of %s (%s) in queue %s: %v", e.MailKey, e.EnqueueID, e.Queue, e.Err)
}

func (e *ContentError) Unwrap() error {
	return e.Err
}

// IsContentError checks if the error is a content resolution error and returns details.
func IsContentError(err error) (*ContentError, bool) {
	var ce *ContentError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ConfigurationChangeError describes why a configuration change was rejected.
type ConfigurationChangeError struct {
	Stored     store.ViewConfiguration
	Configured store.ViewConfiguration
	Reason     string
}

func (e *ConfigurationChangeError) Error() string {
	return fmt.Sprintf("queueview: incompatible configuration (stored window=%s buckets=%d, configured window=%s buckets=%d): %s",
		e.Stored.SliceWindow, e.Stored.BucketCount,
		e.Configured.SliceWindow, e.Configured.BucketCount,
		e.Reason)
}

func (e *ConfigurationChangeError) Unwrap() error {
	return ErrIncompatibleConfiguration
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
// The item was stored or deleted, but the event notification failed.
type EventPublishError struct {
	Event string // The event name (e.g., "ItemDeleted")
	Queue string
	Ref   string // Enqueue id, or the new watermark for maintenance events
	Err   error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("queueview: event %s publish failed for %s in queue %s: %v", e.Event, e.Ref, e.Queue, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
// Handles both view-level and store-level errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	permanentErrors := []error{
		ErrNotFound,
		ErrStoreRequired,
		ErrInvalidID,
		ErrInvalidQueue,
		ErrInvalidMail,
		ErrInvalidCondition,
		ErrIncompatibleConfiguration,
		ErrContentNotFound,
		ErrBlobStoreNotConfigured,
		ErrIteratorOutOfBounds,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrInvalidQueue,
		store.ErrInvalidItem,
		store.ErrInvalidWatermark,
		store.ErrBlobNotFound,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		ErrNotConnected,
		store.ErrNotConnected,
		store.ErrTransactionFailed,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// Unknown errors are most likely transient network or timeout failures.
	return true
}

// validateConfigurationChange checks that data written with stored remains
// reachable with configured.
func validateConfigurationChange(stored, configured store.ViewConfiguration) error {
	reject := func(reason string) error {
		return &ConfigurationChangeError{Stored: stored, Configured: configured, Reason: reason}
	}
	if configured.BucketCount < stored.BucketCount {
		return reject("bucket count can not be decreased")
	}
	if configured.SliceWindow > stored.SliceWindow {
		return reject("slice window can not be increased")
	}
	if configured.SliceWindow <= 0 || stored.SliceWindow%configured.SliceWindow != 0 {
		return reject(fmt.Sprintf("slice window must evenly divide %s", stored.SliceWindow.Truncate(time.Millisecond)))
	}
	return nil
}
