package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/storetest"
)

// TestConformance runs against a live database when QUEUEVIEW_TEST_POSTGRES_DSN is set.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("QUEUEVIEW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUEUEVIEW_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		prefix := "qvtest_" + uuid.NewString()[:8] + "_"
		s, err := Open(dsn, WithTablePrefix(prefix))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			tb := s.tables
			for _, table := range []string{tb.items, tb.locations, tb.tombstones, tb.watermarks, tb.configuration} {
				_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
			}
			_ = s.Close(ctx)
			_ = s.db.Close()
		})
		return s
	})
}

func TestOptions(t *testing.T) {
	o := newOptions()
	if o.prefix != DefaultTablePrefix || o.timeout != DefaultTimeout {
		t.Errorf("unexpected defaults %+v", o)
	}

	o = newOptions(WithTablePrefix("mta_"), WithTimeout(time.Second))
	if o.prefix != "mta_" || o.timeout != time.Second {
		t.Errorf("options not applied: %+v", o)
	}

	for _, bad := range []string{"", "Drop Table;", "has-dash", strings.Repeat("a", 40)} {
		if o := newOptions(WithTablePrefix(bad)); o.prefix != DefaultTablePrefix {
			t.Errorf("prefix %q should be rejected", bad)
		}
	}
	if o := newOptions(WithTimeout(-1)); o.timeout != DefaultTimeout {
		t.Error("negative timeout should be ignored")
	}
}

func TestSchemaUsesPrefix(t *testing.T) {
	s := New(nil, WithTablePrefix("mta_"))
	ddl := s.schema()
	if len(ddl) != 5 {
		t.Fatalf("expected 5 statements, got %d", len(ddl))
	}
	for _, table := range []string{"mta_items", "mta_locations", "mta_tombstones", "mta_watermarks", "mta_configuration"} {
		found := false
		for _, stmt := range ddl {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				found = true
			}
		}
		if !found {
			t.Errorf("no DDL for %s", table)
		}
	}
}

func TestConnectRequiresDB(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error without db")
	}
	if err := s.checkConnected(); err != store.ErrNotConnected {
		t.Errorf("expected store to stay disconnected, got %v", err)
	}
}

func TestItemRowRoundTrip(t *testing.T) {
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	item := storetest.NewItem("spool", "mail-1", slice, 2)
	item.Envelope.LastUpdated = slice.Add(time.Second)

	row, err := newItemRow(item)
	if err != nil {
		t.Fatalf("new row: %v", err)
	}
	got, err := row.item()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.EnqueueID != item.EnqueueID || got.MailKey() != "mail-1" || got.Bucket != 2 || !got.Slice.Equal(slice) {
		t.Errorf("identity lost: %+v", got)
	}
	if !got.Envelope.LastUpdated.Equal(item.Envelope.LastUpdated) {
		t.Errorf("last updated = %v", got.Envelope.LastUpdated)
	}
	if got.Envelope.Attributes["priority"] != "high" || len(got.Envelope.PerRecipientHeaders["rcpt@example.com"]) != 1 {
		t.Errorf("json columns lost: %+v", got.Envelope)
	}
	if got.Parts != item.Parts {
		t.Errorf("parts = %+v", got.Parts)
	}
}

func TestItemRowEmptyEnvelope(t *testing.T) {
	item := &store.EnqueuedItem{
		Queue:     "spool",
		EnqueueID: store.NewEnqueueID(),
		Envelope:  store.MailEnvelope{Name: "bare"},
		Slice:     time.Unix(0, 0),
	}
	row, err := newItemRow(item)
	if err != nil {
		t.Fatalf("new row: %v", err)
	}
	if row.Recipients == nil || row.LastUpdated.Valid {
		t.Errorf("unexpected row %+v", row)
	}
	if string(row.Attributes) != "{}" {
		t.Errorf("attributes = %s", row.Attributes)
	}

	got, err := row.item()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Envelope.Recipients != nil || got.Envelope.Attributes != nil || got.Envelope.PerRecipientHeaders != nil {
		t.Errorf("expected nil collections, got %+v", got.Envelope)
	}
}
