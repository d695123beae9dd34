package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/queueview/store"
	"github.com/rbaliyan/queueview/store/storetest"
)

// TestConformance runs against a live server when QUEUEVIEW_TEST_MONGO_URI is set.
func TestConformance(t *testing.T) {
	uri := os.Getenv("QUEUEVIEW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("QUEUEVIEW_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		s, err := Open(uri, WithDatabase("queueview_test"), WithCollectionPrefix(uuid.NewString()[:8]+"_"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			for _, c := range []string{itemsCollection, locationsCollection, tombstonesCollection, watermarksCollection, configurationCollection} {
				_ = s.db.Collection(s.collectionName(c)).Drop(ctx)
			}
			_ = s.Close(ctx)
			_ = s.client.Disconnect(ctx)
		})
		return s
	})
}

func TestOptions(t *testing.T) {
	o := newOptions()
	if o.database != DefaultDatabase || o.prefix != "" || o.timeout != DefaultTimeout {
		t.Errorf("unexpected defaults %+v", o)
	}
	o = newOptions(WithDatabase("mta"), WithCollectionPrefix("v1_"), WithTimeout(time.Second), WithDatabase(""))
	if o.database != "mta" || o.prefix != "v1_" || o.timeout != time.Second {
		t.Errorf("options not applied: %+v", o)
	}
}

func TestCollectionNames(t *testing.T) {
	s := New(nil, WithCollectionPrefix("v1_"))
	if got := s.collectionName(itemsCollection); got != "v1_items" {
		t.Errorf("collectionName = %q", got)
	}
	models := indexModels()
	for _, name := range []string{itemsCollection, locationsCollection, tombstonesCollection, watermarksCollection} {
		if len(models[name]) != 1 {
			t.Errorf("expected one unique index for %s", name)
		}
	}
}

func TestConnectRequiresClient(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error without client")
	}
	if err := s.checkConnected(); err != store.ErrNotConnected {
		t.Errorf("expected store to stay disconnected, got %v", err)
	}
}

func TestItemDocRoundTrip(t *testing.T) {
	slice := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	item := storetest.NewItem("spool", "mail-1", slice, 5)
	item.Envelope.LastUpdated = slice.Add(time.Second)

	got := docToItem(itemToDoc(item))

	if got.EnqueueID != item.EnqueueID || got.MailKey() != "mail-1" || got.Bucket != 5 || !got.Slice.Equal(slice) {
		t.Errorf("identity lost: %+v", got)
	}
	if !got.Envelope.LastUpdated.Equal(item.Envelope.LastUpdated) {
		t.Errorf("last updated = %v", got.Envelope.LastUpdated)
	}
	h := got.Envelope.PerRecipientHeaders["rcpt@example.com"]
	if len(h) != 1 || h[0] != (store.Header{Name: "X-Trace", Value: "1"}) {
		t.Errorf("headers = %v", got.Envelope.PerRecipientHeaders)
	}
	if got.Parts != item.Parts {
		t.Errorf("parts = %+v", got.Parts)
	}
}
