package gcs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rbaliyan/queueview/store"
	"google.golang.org/api/googleapi"
)

func TestObjectName(t *testing.T) {
	id := store.ComputeBlobID([]byte("body"))
	got := objectName("queueview/blobs", id)
	want := "queueview/blobs/" + string(id[:2]) + "/" + string(id[2:4]) + "/" + string(id)
	if got != want {
		t.Errorf("objectName = %q, want %q", got, want)
	}
	if !strings.HasSuffix(objectName("", id), "/"+string(id)) {
		t.Error("empty prefix should still end with the id")
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"412", &googleapi.Error{Code: http.StatusPreconditionFailed}, true},
		{"wrapped 412", fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), true},
		{"503", &googleapi.Error{Code: http.StatusServiceUnavailable}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPreconditionFailed(tt.err); got != tt.want {
				t.Errorf("isPreconditionFailed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	opts, err := clientOptions(&options{})
	if err != nil {
		t.Fatalf("clientOptions: %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("expected ADC with no options, got %d", len(opts))
	}

	opts, err = clientOptions(&options{endpoint: "http://localhost:4443/storage/v1/"})
	if err != nil {
		t.Fatalf("clientOptions: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("expected endpoint and no-auth options, got %d", len(opts))
	}
}
