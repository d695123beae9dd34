package queueview

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rbaliyan/queueview/store"
)

// EnvelopeLimits bounds the envelope of a stored mail. Zero fields are
// replaced by their defaults.
type EnvelopeLimits struct {
	MaxNameLength          int
	MaxRecipientCount      int
	MaxAttributeKeys       int
	MaxAttributesSize      int // bytes, JSON encoded
	MaxHeadersPerRecipient int
}

// Default envelope limits.
const (
	DefaultMaxNameLength          = 1024
	DefaultMaxRecipientCount      = 10000
	DefaultMaxAttributeKeys       = 256
	DefaultMaxAttributesSize      = 256 * 1024
	DefaultMaxHeadersPerRecipient = 64

	// MaxAttributeKeyLength is the maximum length of an attribute key.
	MaxAttributeKeyLength = 256
)

// DefaultLimits returns the default envelope limits.
func DefaultLimits() EnvelopeLimits {
	return EnvelopeLimits{
		MaxNameLength:          DefaultMaxNameLength,
		MaxRecipientCount:      DefaultMaxRecipientCount,
		MaxAttributeKeys:       DefaultMaxAttributeKeys,
		MaxAttributesSize:      DefaultMaxAttributesSize,
		MaxHeadersPerRecipient: DefaultMaxHeadersPerRecipient,
	}
}

func (l EnvelopeLimits) withDefaults() EnvelopeLimits {
	d := DefaultLimits()
	if l.MaxNameLength <= 0 {
		l.MaxNameLength = d.MaxNameLength
	}
	if l.MaxRecipientCount <= 0 {
		l.MaxRecipientCount = d.MaxRecipientCount
	}
	if l.MaxAttributeKeys <= 0 {
		l.MaxAttributeKeys = d.MaxAttributeKeys
	}
	if l.MaxAttributesSize <= 0 {
		l.MaxAttributesSize = d.MaxAttributesSize
	}
	if l.MaxHeadersPerRecipient <= 0 {
		l.MaxHeadersPerRecipient = d.MaxHeadersPerRecipient
	}
	return l
}

// ValidateEnvelope checks env against the default limits.
func ValidateEnvelope(env store.MailEnvelope) error {
	return ValidateEnvelopeWithLimits(env, DefaultLimits())
}

// ValidateEnvelopeWithLimits checks env against limits. Every error wraps
// ErrInvalidMail.
func ValidateEnvelopeWithLimits(env store.MailEnvelope, limits EnvelopeLimits) error {
	limits = limits.withDefaults()

	if err := validateName(env.Name, limits); err != nil {
		return err
	}
	if err := validateRecipients(env.Recipients, limits); err != nil {
		return err
	}
	if err := validateAttributes(env.Attributes, limits); err != nil {
		return err
	}
	return validateHeaders(env.PerRecipientHeaders, limits)
}

// validateName rejects empty names and names the backends cannot key on.
func validateName(name string, limits EnvelopeLimits) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMail)
	}
	if len(name) > limits.MaxNameLength {
		return fmt.Errorf("%w: name length %d exceeds max %d", ErrInvalidMail, len(name), limits.MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name contains invalid UTF-8", ErrInvalidMail)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control character U+%04X", ErrInvalidMail, r)
		}
	}
	return nil
}

// validateRecipients allows an empty list: a mail whose recipients were all
// delivered may still be requeued for bookkeeping.
func validateRecipients(recipients []string, limits EnvelopeLimits) error {
	if len(recipients) > limits.MaxRecipientCount {
		return fmt.Errorf("%w: recipient count %d exceeds max %d", ErrInvalidMail, len(recipients), limits.MaxRecipientCount)
	}
	for _, r := range recipients {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: empty recipient", ErrInvalidMail)
		}
	}
	return nil
}

func validateAttributes(attrs map[string]string, limits EnvelopeLimits) error {
	if attrs == nil {
		return nil
	}
	if len(attrs) > limits.MaxAttributeKeys {
		return fmt.Errorf("%w: too many attributes (%d > %d)", ErrInvalidMail, len(attrs), limits.MaxAttributeKeys)
	}
	for key := range attrs {
		if key == "" {
			return fmt.Errorf("%w: empty attribute key", ErrInvalidMail)
		}
		if len(key) > MaxAttributeKeyLength {
			truncated := key[:50]
			return fmt.Errorf("%w: attribute key '%s...' exceeds max length %d", ErrInvalidMail, truncated, MaxAttributeKeyLength)
		}
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("%w: cannot serialize attributes: %v", ErrInvalidMail, err)
	}
	if len(data) > limits.MaxAttributesSize {
		return fmt.Errorf("%w: attributes size %d exceeds max %d bytes", ErrInvalidMail, len(data), limits.MaxAttributesSize)
	}
	return nil
}

func validateHeaders(headers map[string][]store.Header, limits EnvelopeLimits) error {
	for rcpt, hs := range headers {
		if len(hs) > limits.MaxHeadersPerRecipient {
			return fmt.Errorf("%w: %d headers for %s exceed max %d", ErrInvalidMail, len(hs), rcpt, limits.MaxHeadersPerRecipient)
		}
		for _, h := range hs {
			if err := validateHeaderName(h.Name); err != nil {
				return err
			}
			if strings.ContainsAny(h.Value, "\r\n") {
				return fmt.Errorf("%w: header %s value contains a line break", ErrInvalidMail, h.Name)
			}
		}
	}
	return nil
}

// validateHeaderName enforces the RFC 5322 field-name grammar: printable
// US-ASCII except colon.
func validateHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty header name", ErrInvalidMail)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 || c == ':' {
			return fmt.Errorf("%w: invalid header name %q", ErrInvalidMail, name)
		}
	}
	return nil
}
