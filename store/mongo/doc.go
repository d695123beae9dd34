package mongo

import (
	"time"

	"github.com/rbaliyan/queueview/store"
)

// itemDoc is the MongoDB representation of one enqueued item.
type itemDoc struct {
	Queue        string      `bson:"queue"`
	Slice        time.Time   `bson:"slice"`
	Bucket       int         `bson:"bucket"`
	MailKey      string      `bson:"mail_key"`
	EnqueueID    string      `bson:"enqueue_id"`
	EnqueuedTime time.Time   `bson:"enqueued_time"`
	Envelope     envelopeDoc `bson:"envelope"`
	HeaderBlobID string      `bson:"header_blob_id,omitempty"`
	BodyBlobID   string      `bson:"body_blob_id,omitempty"`
}

type envelopeDoc struct {
	Sender              string                 `bson:"sender,omitempty"`
	Recipients          []string               `bson:"recipients,omitempty"`
	State               string                 `bson:"state,omitempty"`
	ErrorMessage        string                 `bson:"error_message,omitempty"`
	RemoteHost          string                 `bson:"remote_host,omitempty"`
	RemoteAddr          string                 `bson:"remote_addr,omitempty"`
	LastUpdated         time.Time              `bson:"last_updated,omitempty"`
	Attributes          map[string]string      `bson:"attributes,omitempty"`
	PerRecipientHeaders map[string][]headerDoc `bson:"per_recipient_headers,omitempty"`
}

type headerDoc struct {
	Name  string `bson:"name"`
	Value string `bson:"value"`
}

// locationDoc is the MongoDB representation of an item location.
type locationDoc struct {
	Queue     string    `bson:"queue"`
	EnqueueID string    `bson:"enqueue_id"`
	MailKey   string    `bson:"mail_key"`
	Slice     time.Time `bson:"slice"`
	Bucket    int       `bson:"bucket"`
}

type watermarkDoc struct {
	Kind  string    `bson:"kind"`
	Queue string    `bson:"queue"`
	At    time.Time `bson:"at"`
}

type configurationDoc struct {
	ID            string `bson:"_id"`
	SliceWindowMS int64  `bson:"slice_window_ms"`
	BucketCount   int    `bson:"bucket_count"`
}

func itemToDoc(item *store.EnqueuedItem) *itemDoc {
	env := item.Envelope
	doc := &itemDoc{
		Queue:        item.Queue,
		Slice:        item.Slice.UTC(),
		Bucket:       int(item.Bucket),
		MailKey:      env.Name,
		EnqueueID:    item.EnqueueID,
		EnqueuedTime: item.EnqueuedTime.UTC(),
		Envelope: envelopeDoc{
			Sender:       env.Sender,
			Recipients:   env.Recipients,
			State:        env.State,
			ErrorMessage: env.ErrorMessage,
			RemoteHost:   env.RemoteHost,
			RemoteAddr:   env.RemoteAddr,
			Attributes:   env.Attributes,
		},
		HeaderBlobID: string(item.Parts.HeaderBlobID),
		BodyBlobID:   string(item.Parts.BodyBlobID),
	}
	if !env.LastUpdated.IsZero() {
		doc.Envelope.LastUpdated = env.LastUpdated.UTC()
	}
	if len(env.PerRecipientHeaders) > 0 {
		doc.Envelope.PerRecipientHeaders = make(map[string][]headerDoc, len(env.PerRecipientHeaders))
		for rcpt, headers := range env.PerRecipientHeaders {
			hs := make([]headerDoc, len(headers))
			for i, h := range headers {
				hs[i] = headerDoc(h)
			}
			doc.Envelope.PerRecipientHeaders[rcpt] = hs
		}
	}
	return doc
}

func docToItem(doc *itemDoc) *store.EnqueuedItem {
	env := store.MailEnvelope{
		Name:         doc.MailKey,
		Sender:       doc.Envelope.Sender,
		Recipients:   doc.Envelope.Recipients,
		State:        doc.Envelope.State,
		ErrorMessage: doc.Envelope.ErrorMessage,
		RemoteHost:   doc.Envelope.RemoteHost,
		RemoteAddr:   doc.Envelope.RemoteAddr,
		Attributes:   doc.Envelope.Attributes,
	}
	if !doc.Envelope.LastUpdated.IsZero() {
		env.LastUpdated = doc.Envelope.LastUpdated.UTC()
	}
	if len(doc.Envelope.PerRecipientHeaders) > 0 {
		env.PerRecipientHeaders = make(map[string][]store.Header, len(doc.Envelope.PerRecipientHeaders))
		for rcpt, headers := range doc.Envelope.PerRecipientHeaders {
			hs := make([]store.Header, len(headers))
			for i, h := range headers {
				hs[i] = store.Header(h)
			}
			env.PerRecipientHeaders[rcpt] = hs
		}
	}
	return &store.EnqueuedItem{
		Queue:        doc.Queue,
		EnqueueID:    doc.EnqueueID,
		Envelope:     env,
		EnqueuedTime: doc.EnqueuedTime.UTC(),
		Parts: store.PartsID{
			HeaderBlobID: store.BlobID(doc.HeaderBlobID),
			BodyBlobID:   store.BlobID(doc.BodyBlobID),
		},
		Slice:  doc.Slice.UTC(),
		Bucket: store.BucketID(doc.Bucket),
	}
}

func (d *locationDoc) location() *store.ItemLocation {
	return &store.ItemLocation{
		Queue:     d.Queue,
		EnqueueID: d.EnqueueID,
		MailKey:   d.MailKey,
		Slice:     d.Slice.UTC(),
		Bucket:    store.BucketID(d.Bucket),
	}
}
