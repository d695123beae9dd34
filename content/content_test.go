package content

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/queueview/store"
	blobmemory "github.com/rbaliyan/queueview/store/blob/memory"
)

const sampleMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?utf-8?q?Caf=C3=A9?=\r\n" +
	"Message-Id: <1@example.com>\r\n" +
	"\r\n" +
	"Hello Bob,\r\n\r\nsee you.\r\n"

func TestSplit(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "A: 1\r\n\r\nbody", "A: 1\r\n\r\n", "body"},
		{"lf", "A: 1\n\nbody\n\nmore", "A: 1\n\n", "body\n\nmore"},
		{"lf before crlf", "A: 1\n\nb\r\n\r\nc", "A: 1\n\n", "b\r\n\r\nc"},
		{"header only", "A: 1\r\n", "A: 1\r\n", ""},
		{"empty body", "A: 1\r\n\r\n", "A: 1\r\n\r\n", ""},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := Split([]byte(tt.raw))
			if string(header) != tt.wantHeader {
				t.Errorf("header = %q, want %q", header, tt.wantHeader)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if joined := Join(header, body); string(joined) != tt.raw {
				t.Errorf("Join(Split(raw)) = %q, want %q", joined, tt.raw)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	blobs := blobmemory.New()

	parts, err := Save(ctx, blobs, []byte(sampleMessage))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if parts.HeaderBlobID == "" || parts.BodyBlobID == "" {
		t.Fatalf("expected both parts, got %+v", parts)
	}

	raw, err := Load(ctx, blobs, parts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(raw, []byte(sampleMessage)) {
		t.Errorf("Load = %q, want %q", raw, sampleMessage)
	}

	t.Run("shared body", func(t *testing.T) {
		other := "From: carol@example.com\r\n\r\nHello Bob,\r\n\r\nsee you.\r\n"
		p2, err := Save(ctx, blobs, []byte(other))
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if p2.BodyBlobID != parts.BodyBlobID {
			t.Error("identical bodies should share a blob")
		}
		if blobs.Len() != 3 {
			t.Errorf("expected 3 blobs, got %d", blobs.Len())
		}
	})

	t.Run("empty body", func(t *testing.T) {
		p, err := Save(ctx, blobs, []byte("Subject: x\r\n\r\n"))
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if p.BodyBlobID != "" {
			t.Errorf("expected no body blob, got %s", p.BodyBlobID)
		}
		raw, err := Load(ctx, blobs, p)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if string(raw) != "Subject: x\r\n\r\n" {
			t.Errorf("Load = %q", raw)
		}
	})

	t.Run("missing blob", func(t *testing.T) {
		if err := blobs.Delete(ctx, parts.HeaderBlobID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := Load(ctx, blobs, parts)
		if !errors.Is(err, store.ErrBlobNotFound) {
			t.Errorf("expected ErrBlobNotFound, got %v", err)
		}
	})
}

func TestSaveTooLarge(t *testing.T) {
	_, err := Save(context.Background(), blobmemory.New(), make([]byte, MaxSize+1))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Subject != "Café" {
		t.Errorf("Subject = %q, want %q", s.Subject, "Café")
	}
	if s.From != "alice@example.com" {
		t.Errorf("From = %q", s.From)
	}
	if s.MessageID != "<1@example.com>" {
		t.Errorf("MessageID = %q", s.MessageID)
	}
	if s.Size != len(sampleMessage) {
		t.Errorf("Size = %d, want %d", s.Size, len(sampleMessage))
	}

	if _, err := Summarize([]byte("not a header line without colon\r\n\r\n")); err == nil {
		t.Error("expected parse error for malformed header")
	}
}
