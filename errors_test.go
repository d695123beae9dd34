package queueview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/memory"
)

func TestSentinelsWrapStoreErrors(t *testing.T) {
	tests := []struct {
		view  error
		store error
	}{
		{ErrNotFound, store.ErrNotFound},
		{ErrNotConnected, store.ErrNotConnected},
		{ErrAlreadyConnected, store.ErrAlreadyConnected},
		{ErrInvalidID, store.ErrInvalidID},
		{ErrInvalidQueue, store.ErrInvalidQueue},
		{ErrContentNotFound, store.ErrBlobNotFound},
	}
	for _, tt := range tests {
		if !errors.Is(tt.view, tt.store) {
			t.Errorf("expected %v to wrap %v", tt.view, tt.store)
		}
	}
}

func TestContentError(t *testing.T) {
	err := fmt.Errorf("browse: %w", &ContentError{
		Queue:     "spool",
		EnqueueID: "id-1",
		MailKey:   "mail-1",
		Err:       ErrContentNotFound,
	})

	ce, ok := IsContentError(err)
	if !ok {
		t.Fatal("expected IsContentError to find the error")
	}
	if ce.MailKey != "mail-1" {
		t.Errorf("MailKey = %q", ce.MailKey)
	}
	if !errors.Is(err, store.ErrBlobNotFound) {
		t.Error("expected the cause to be reachable")
	}
	for _, part := range []string{"spool", "id-1", "mail-1"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("expected %q in %q", part, err.Error())
		}
	}

	if _, ok := IsContentError(errors.New("other")); ok {
		t.Error("plain error is not a content error")
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("transport down")
	err := &EventPublishError{Event: "ItemDeleted", Queue: "spool", Ref: "id-1", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to return the cause")
	}
	if epe, ok := IsEventPublishError(fmt.Errorf("delete: %w", err)); !ok || epe.Event != "ItemDeleted" {
		t.Error("expected IsEventPublishError to find the error")
	}
}

func TestPublishFailurePolicy(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("transport down")
	failing := func(context.Context) error { return cause }

	t.Run("non fatal calls the handler", func(t *testing.T) {
		var handled []string
		v, err := NewView(WithStore(memory.New()), WithEventPublishFailureHandler(func(name string, _ error) {
			handled = append(handled, name)
		}))
		if err != nil {
			t.Fatalf("create view: %v", err)
		}
		if err := v.(*view).publish(ctx, "ItemDeleted", "spool", "id", failing); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
		if len(handled) != 1 || handled[0] != "ItemDeleted" {
			t.Errorf("handler calls = %v", handled)
		}
	})

	t.Run("fatal returns EventPublishError", func(t *testing.T) {
		v, err := NewView(WithStore(memory.New()), WithEventErrorsFatal(true))
		if err != nil {
			t.Fatalf("create view: %v", err)
		}
		err = v.(*view).publish(ctx, "ItemDeleted", "spool", "id", failing)
		epe, ok := IsEventPublishError(err)
		if !ok || epe.Ref != "id" || !errors.Is(err, cause) {
			t.Errorf("expected EventPublishError wrapping the cause, got %v", err)
		}
		if !isPublishOnly(err) {
			t.Error("publish failures leave the mutation applied")
		}
	})
}

func TestValidateConfigurationChange(t *testing.T) {
	stored := store.ViewConfiguration{SliceWindow: time.Hour, BucketCount: 4}

	tests := []struct {
		name       string
		configured store.ViewConfiguration
		wantErr    bool
	}{
		{"same", stored, false},
		{"more buckets", store.ViewConfiguration{SliceWindow: time.Hour, BucketCount: 16}, false},
		{"halved window", store.ViewConfiguration{SliceWindow: 30 * time.Minute, BucketCount: 4}, false},
		{"dividing window", store.ViewConfiguration{SliceWindow: 12 * time.Minute, BucketCount: 4}, false},
		{"fewer buckets", store.ViewConfiguration{SliceWindow: time.Hour, BucketCount: 2}, true},
		{"larger window", store.ViewConfiguration{SliceWindow: 2 * time.Hour, BucketCount: 4}, true},
		{"non dividing window", store.ViewConfiguration{SliceWindow: 7 * time.Minute, BucketCount: 4}, true},
		{"zero window", store.ViewConfiguration{SliceWindow: 0, BucketCount: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigurationChange(stored, tt.configured)
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrIncompatibleConfiguration) {
				t.Errorf("expected ErrIncompatibleConfiguration, got %v", err)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"store not found", fmt.Errorf("locate: %w", store.ErrNotFound), false},
		{"invalid queue", ErrInvalidQueue, false},
		{"incompatible configuration", &ConfigurationChangeError{Reason: "x"}, false},
		{"content not found", ErrContentNotFound, false},
		{"not connected", ErrNotConnected, true},
		{"transaction failed", store.ErrTransactionFailed, true},
		{"unknown", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
