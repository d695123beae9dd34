package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/queueview/store"
)

const itemColumns = `queue, slice_start, bucket, mail_key, enqueue_id, enqueued_time,
       sender, recipients, state, error_message, remote_host, remote_addr, last_updated,
       attributes, per_recipient_headers, header_blob_id, body_blob_id`

const itemValues = `:queue, :slice_start, :bucket, :mail_key, :enqueue_id, :enqueued_time,
       :sender, :recipients, :state, :error_message, :remote_host, :remote_addr, :last_updated,
       :attributes, :per_recipient_headers, :header_blob_id, :body_blob_id`

// itemRow is the scan target for one items row.
type itemRow struct {
	Queue               string         `db:"queue"`
	SliceStart          time.Time      `db:"slice_start"`
	Bucket              int            `db:"bucket"`
	MailKey             string         `db:"mail_key"`
	EnqueueID           string         `db:"enqueue_id"`
	EnqueuedTime        time.Time      `db:"enqueued_time"`
	Sender              string         `db:"sender"`
	Recipients          pq.StringArray `db:"recipients"`
	State               string         `db:"state"`
	ErrorMessage        string         `db:"error_message"`
	RemoteHost          string         `db:"remote_host"`
	RemoteAddr          string         `db:"remote_addr"`
	LastUpdated         sql.NullTime   `db:"last_updated"`
	Attributes          []byte         `db:"attributes"`
	PerRecipientHeaders []byte         `db:"per_recipient_headers"`
	HeaderBlobID        string         `db:"header_blob_id"`
	BodyBlobID          string         `db:"body_blob_id"`
}

func newItemRow(item *store.EnqueuedItem) (*itemRow, error) {
	env := item.Envelope
	attrs, err := json.Marshal(nonNilMap(env.Attributes))
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	headers, err := json.Marshal(nonNilMap(env.PerRecipientHeaders))
	if err != nil {
		return nil, fmt.Errorf("marshal per-recipient headers: %w", err)
	}
	row := &itemRow{
		Queue:               item.Queue,
		SliceStart:          item.Slice.UTC(),
		Bucket:              int(item.Bucket),
		MailKey:             env.Name,
		EnqueueID:           item.EnqueueID,
		EnqueuedTime:        item.EnqueuedTime.UTC(),
		Sender:              env.Sender,
		Recipients:          pq.StringArray(env.Recipients),
		State:               env.State,
		ErrorMessage:        env.ErrorMessage,
		RemoteHost:          env.RemoteHost,
		RemoteAddr:          env.RemoteAddr,
		Attributes:          attrs,
		PerRecipientHeaders: headers,
		HeaderBlobID:        string(item.Parts.HeaderBlobID),
		BodyBlobID:          string(item.Parts.BodyBlobID),
	}
	if row.Recipients == nil {
		row.Recipients = pq.StringArray{}
	}
	if !env.LastUpdated.IsZero() {
		row.LastUpdated = sql.NullTime{Time: env.LastUpdated.UTC(), Valid: true}
	}
	return row, nil
}

func (r *itemRow) item() (*store.EnqueuedItem, error) {
	env := store.MailEnvelope{
		Name:         r.MailKey,
		Sender:       r.Sender,
		Recipients:   []string(r.Recipients),
		State:        r.State,
		ErrorMessage: r.ErrorMessage,
		RemoteHost:   r.RemoteHost,
		RemoteAddr:   r.RemoteAddr,
	}
	if r.LastUpdated.Valid {
		env.LastUpdated = r.LastUpdated.Time.UTC()
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &env.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
		if len(env.Attributes) == 0 {
			env.Attributes = nil
		}
	}
	if len(r.PerRecipientHeaders) > 0 {
		if err := json.Unmarshal(r.PerRecipientHeaders, &env.PerRecipientHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal per-recipient headers: %w", err)
		}
		if len(env.PerRecipientHeaders) == 0 {
			env.PerRecipientHeaders = nil
		}
	}
	if len(env.Recipients) == 0 {
		env.Recipients = nil
	}
	return &store.EnqueuedItem{
		Queue:        r.Queue,
		EnqueueID:    r.EnqueueID,
		Envelope:     env,
		EnqueuedTime: r.EnqueuedTime.UTC(),
		Parts: store.PartsID{
			HeaderBlobID: store.BlobID(r.HeaderBlobID),
			BodyBlobID:   store.BlobID(r.BodyBlobID),
		},
		Slice:  r.SliceStart.UTC(),
		Bucket: store.BucketID(r.Bucket),
	}, nil
}

// locationRow is the scan target for one locations row.
type locationRow struct {
	Queue      string    `db:"queue"`
	EnqueueID  string    `db:"enqueue_id"`
	MailKey    string    `db:"mail_key"`
	SliceStart time.Time `db:"slice_start"`
	Bucket     int       `db:"bucket"`
}

func (r *locationRow) location() *store.ItemLocation {
	return &store.ItemLocation{
		Queue:     r.Queue,
		EnqueueID: r.EnqueueID,
		MailKey:   r.MailKey,
		Slice:     r.SliceStart.UTC(),
		Bucket:    store.BucketID(r.Bucket),
	}
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
