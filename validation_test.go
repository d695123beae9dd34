package queueview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rbaliyan/queueview/store"
)

func TestValidateEnvelope(t *testing.T) {
	manyAttrs := make(map[string]string, DefaultMaxAttributeKeys+1)
	for i := range DefaultMaxAttributeKeys + 1 {
		manyAttrs[fmt.Sprintf("k%d", i)] = "v"
	}

	tests := []struct {
		name      string
		env       store.MailEnvelope
		wantErr   bool
		errString string
	}{
		{
			name: "valid envelope",
			env: store.MailEnvelope{
				Name:       "Mail1709287200000-0",
				Sender:     "a@example.com",
				Recipients: []string{"b@example.com"},
				Attributes: map[string]string{"priority": "high"},
				PerRecipientHeaders: map[string][]store.Header{
					"b@example.com": {{Name: "X-Trace", Value: "abc"}},
				},
			},
		},
		{
			name: "no recipients",
			env:  store.MailEnvelope{Name: "bounce"},
		},
		{
			name:      "empty name",
			env:       store.MailEnvelope{Name: "  "},
			wantErr:   true,
			errString: "empty name",
		},
		{
			name:    "name at max length",
			env:     store.MailEnvelope{Name: strings.Repeat("n", DefaultMaxNameLength)},
			wantErr: false,
		},
		{
			name:      "name exceeds max length",
			env:       store.MailEnvelope{Name: strings.Repeat("n", DefaultMaxNameLength+1)},
			wantErr:   true,
			errString: "name length",
		},
		{
			name:      "name with control character",
			env:       store.MailEnvelope{Name: "mail\x00one"},
			wantErr:   true,
			errString: "control character",
		},
		{
			name:      "name with invalid utf-8",
			env:       store.MailEnvelope{Name: "mail\xff"},
			wantErr:   true,
			errString: "UTF-8",
		},
		{
			name:      "blank recipient",
			env:       store.MailEnvelope{Name: "m", Recipients: []string{"a@example.com", ""}},
			wantErr:   true,
			errString: "empty recipient",
		},
		{
			name:      "empty attribute key",
			env:       store.MailEnvelope{Name: "m", Attributes: map[string]string{"": "v"}},
			wantErr:   true,
			errString: "attribute key",
		},
		{
			name:      "attribute key too long",
			env:       store.MailEnvelope{Name: "m", Attributes: map[string]string{strings.Repeat("k", MaxAttributeKeyLength+1): "v"}},
			wantErr:   true,
			errString: "exceeds max length",
		},
		{
			name:      "too many attributes",
			env:       store.MailEnvelope{Name: "m", Attributes: manyAttrs},
			wantErr:   true,
			errString: "too many attributes",
		},
		{
			name:      "attributes too large",
			env:       store.MailEnvelope{Name: "m", Attributes: map[string]string{"blob": strings.Repeat("x", DefaultMaxAttributesSize)}},
			wantErr:   true,
			errString: "attributes size",
		},
		{
			name: "header name with colon",
			env: store.MailEnvelope{Name: "m", PerRecipientHeaders: map[string][]store.Header{
				"b@example.com": {{Name: "X-Bad:", Value: "v"}},
			}},
			wantErr:   true,
			errString: "invalid header name",
		},
		{
			name: "header value with line break",
			env: store.MailEnvelope{Name: "m", PerRecipientHeaders: map[string][]store.Header{
				"b@example.com": {{Name: "X-Inject", Value: "v\r\nBcc: evil@example.com"}},
			}},
			wantErr:   true,
			errString: "line break",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope(tt.env)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("ValidateEnvelope() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidMail) {
				t.Fatalf("ValidateEnvelope() error = %v, want ErrInvalidMail", err)
			}
			if !strings.Contains(err.Error(), tt.errString) {
				t.Errorf("error %q should contain %q", err, tt.errString)
			}
		})
	}
}

func TestValidateEnvelopeWithLimits(t *testing.T) {
	limits := EnvelopeLimits{MaxRecipientCount: 2, MaxHeadersPerRecipient: 1}

	env := store.MailEnvelope{Name: "m", Recipients: []string{"a@x", "b@x", "c@x"}}
	if err := ValidateEnvelopeWithLimits(env, limits); !errors.Is(err, ErrInvalidMail) {
		t.Errorf("three recipients: err = %v, want ErrInvalidMail", err)
	}

	env.Recipients = env.Recipients[:2]
	if err := ValidateEnvelopeWithLimits(env, limits); err != nil {
		t.Errorf("two recipients: err = %v", err)
	}

	env.PerRecipientHeaders = map[string][]store.Header{"a@x": {{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}}
	if err := ValidateEnvelopeWithLimits(env, limits); !errors.Is(err, ErrInvalidMail) {
		t.Errorf("two headers: err = %v, want ErrInvalidMail", err)
	}

	// Unset fields fall back to the defaults.
	long := store.MailEnvelope{Name: strings.Repeat("n", DefaultMaxNameLength+1)}
	if err := ValidateEnvelopeWithLimits(long, limits); !errors.Is(err, ErrInvalidMail) {
		t.Errorf("long name: err = %v, want ErrInvalidMail", err)
	}
}

func TestStoreMailEnforcesLimits(t *testing.T) {
	env := setupView(t, WithLimits(EnvelopeLimits{MaxRecipientCount: 1}))
	ctx := context.Background()

	_, err := env.view.StoreMail(ctx, testQueue, Mail{Envelope: store.MailEnvelope{
		Name:       "wide",
		Recipients: []string{"a@example.com", "b@example.com"},
	}})
	if !errors.Is(err, ErrInvalidMail) {
		t.Fatalf("StoreMail() error = %v, want ErrInvalidMail", err)
	}
	if n := mustSize(t, env.view, testQueue); n != 0 {
		t.Errorf("size = %d, want 0", n)
	}
	if env.store.PartitionCount(testQueue) != 0 {
		t.Error("rejected mail reached the store")
	}
}
