// Package content stores and restores the MIME content of queued mail.
//
// A message is split at the blank line ending its header section. Header
// and body are written as two content-addressed blobs, so mails sharing a
// body (the same message fanned out to many recipients) share a blob.
//
//	parts, err := content.Save(ctx, blobs, raw)
//	...
//	raw, err = content.Load(ctx, blobs, parts)
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"

	"github.com/rbaliyan/queueview/store"
)

// MaxSize bounds the size of a message accepted by Save.
const MaxSize = 64 << 20

// ErrTooLarge is returned by Save for messages over MaxSize.
var ErrTooLarge = errors.New("content: message too large")

var (
	crlfSeparator = []byte("\r\n\r\n")
	lfSeparator   = []byte("\n\n")
)

// Split cuts raw into its header section, including the terminating blank
// line, and its body. Join(Split(raw)) == raw for every input. A message
// without a blank line is all header.
func Split(raw []byte) (header, body []byte) {
	crlf := bytes.Index(raw, crlfSeparator)
	lf := bytes.Index(raw, lfSeparator)

	cut := -1
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		cut = crlf + len(crlfSeparator)
	case lf >= 0:
		cut = lf + len(lfSeparator)
	}
	if cut < 0 {
		return raw, nil
	}
	return raw[:cut], raw[cut:]
}

// Join concatenates a header section and a body.
func Join(header, body []byte) []byte {
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// Save writes the header and body of raw as two blobs. An empty body is
// not written and leaves BodyBlobID empty.
func Save(ctx context.Context, blobs store.BlobStore, raw []byte) (store.PartsID, error) {
	if len(raw) > MaxSize {
		return store.PartsID{}, ErrTooLarge
	}

	header, body := Split(raw)
	var parts store.PartsID

	id, err := blobs.Save(ctx, header)
	if err != nil {
		return store.PartsID{}, fmt.Errorf("save header: %w", err)
	}
	parts.HeaderBlobID = id

	if len(body) > 0 {
		id, err := blobs.Save(ctx, body)
		if err != nil {
			return store.PartsID{}, fmt.Errorf("save body: %w", err)
		}
		parts.BodyBlobID = id
	}
	return parts, nil
}

// Load reads both parts and joins them. A missing blob yields an error
// matching store.ErrBlobNotFound.
func Load(ctx context.Context, blobs store.BlobStore, parts store.PartsID) ([]byte, error) {
	header, err := loadBlob(ctx, blobs, parts.HeaderBlobID)
	if err != nil {
		return nil, fmt.Errorf("load header: %w", err)
	}
	body, err := loadBlob(ctx, blobs, parts.BodyBlobID)
	if err != nil {
		return nil, fmt.Errorf("load body: %w", err)
	}
	return Join(header, body), nil
}

func loadBlob(ctx context.Context, blobs store.BlobStore, id store.BlobID) ([]byte, error) {
	if id == "" {
		return nil, nil
	}
	rc, err := blobs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Summary holds the headers operators look at when browsing a queue.
type Summary struct {
	Subject   string
	From      string
	To        string
	MessageID string
	Size      int
}

// Summarize parses the header section of raw. Malformed headers yield an
// error; the caller still has the raw bytes.
func Summarize(raw []byte) (*Summary, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &Summary{
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      msg.Header.Get("From"),
		To:        msg.Header.Get("To"),
		MessageID: msg.Header.Get("Message-Id"),
		Size:      len(raw),
	}, nil
}

var wordDecoder = new(mime.WordDecoder)

// decodeHeader decodes RFC 2047 encoded words, keeping the raw value when
// decoding fails.
func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
