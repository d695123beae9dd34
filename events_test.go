package queueview

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/queueview/store"
	"github.com/redis/go-redis/v9"
)

func TestRedisEventTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Fatal mode surfaces any publish failure as an error.
	env := setupView(t, WithRedisClient(client), WithEventErrorsFatal(true))
	ctx := context.Background()

	item, err := env.view.StoreMail(ctx, testQueue, Mail{Envelope: store.MailEnvelope{Name: "redis"}})
	if err != nil {
		t.Fatalf("StoreMail() error = %v", err)
	}
	if _, err := env.view.Delete(ctx, testQueue, ByEnqueueID(item.EnqueueID)); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mustPresent(t, env.view, testQueue, item.EnqueueID) {
		t.Error("deleted item still present")
	}
}
