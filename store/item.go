package store

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is a single header line attached to one recipient.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MailEnvelope is the envelope metadata indexed with every item.
type MailEnvelope struct {
	// Name is the mail key. It is stable across redelivery attempts.
	Name         string
	Sender       string
	Recipients   []string
	State        string
	ErrorMessage string
	RemoteHost   string
	RemoteAddr   string
	LastUpdated  time.Time

	// Attributes holds arbitrary serialized mail attributes.
	Attributes map[string]string

	// PerRecipientHeaders maps a recipient address to extra headers.
	PerRecipientHeaders map[string][]Header
}

// Clone returns a deep copy of the envelope.
func (e MailEnvelope) Clone() MailEnvelope {
	c := e
	c.Recipients = slices.Clone(e.Recipients)
	c.Attributes = maps.Clone(e.Attributes)
	if e.PerRecipientHeaders != nil {
		c.PerRecipientHeaders = make(map[string][]Header, len(e.PerRecipientHeaders))
		for rcpt, headers := range e.PerRecipientHeaders {
			c.PerRecipientHeaders[rcpt] = slices.Clone(headers)
		}
	}
	return c
}

// HasRecipient reports whether addr is one of the envelope recipients.
// Comparison is case-insensitive.
func (e MailEnvelope) HasRecipient(addr string) bool {
	for _, r := range e.Recipients {
		if strings.EqualFold(r, addr) {
			return true
		}
	}
	return false
}

// PartsID references the MIME content of an item in the blob store.
type PartsID struct {
	HeaderBlobID BlobID
	BodyBlobID   BlobID
}

// IsZero reports whether no content is referenced.
func (p PartsID) IsZero() bool {
	return p.HeaderBlobID == "" && p.BodyBlobID == ""
}

// EnqueuedItem is one indexed enqueue attempt.
// Items are never mutated once inserted.
type EnqueuedItem struct {
	Queue        string
	EnqueueID    string
	Envelope     MailEnvelope
	EnqueuedTime time.Time
	Parts        PartsID

	// Slice and Bucket fix the storage location of the item. They are
	// computed once at enqueue time and trusted on every later read.
	Slice  time.Time
	Bucket BucketID
}

// MailKey returns the mail key of the item.
func (i *EnqueuedItem) MailKey() string {
	return i.Envelope.Name
}

// Location returns the location row describing where the item is stored.
func (i *EnqueuedItem) Location() *ItemLocation {
	return &ItemLocation{
		Queue:     i.Queue,
		EnqueueID: i.EnqueueID,
		MailKey:   i.Envelope.Name,
		Slice:     i.Slice,
		Bucket:    i.Bucket,
	}
}

// Clone returns a deep copy of the item.
func (i *EnqueuedItem) Clone() *EnqueuedItem {
	c := *i
	c.Envelope = i.Envelope.Clone()
	return &c
}

// Validate checks the fields every backend relies on.
func (i *EnqueuedItem) Validate() error {
	if i == nil {
		return ErrInvalidItem
	}
	if err := ValidateQueue(i.Queue); err != nil {
		return err
	}
	if err := ValidateEnqueueID(i.EnqueueID); err != nil {
		return err
	}
	if i.Envelope.Name == "" || i.Slice.IsZero() || i.Bucket < 0 {
		return ErrInvalidItem
	}
	return nil
}

// ItemLocation records where an enqueue attempt is stored.
type ItemLocation struct {
	Queue     string
	EnqueueID string
	MailKey   string
	Slice     time.Time
	Bucket    BucketID
}

// NewEnqueueID returns a fresh enqueue id.
func NewEnqueueID() string {
	return uuid.NewString()
}

// ValidateEnqueueID returns ErrInvalidID unless id is a UUID.
func ValidateEnqueueID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return nil
}

// MaxQueueNameLength bounds queue names so they fit every backend key.
const MaxQueueNameLength = 255

// ValidateQueue returns ErrInvalidQueue for empty, oversized or
// separator-containing queue names.
func ValidateQueue(queue string) error {
	if queue == "" || len(queue) > MaxQueueNameLength || strings.ContainsAny(queue, "#\x00") {
		return ErrInvalidQueue
	}
	return nil
}
