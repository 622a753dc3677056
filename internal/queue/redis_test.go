package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

func newRedis(t *testing.T) (*queue.Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := queue.NewRedisWithClient(client, queue.RedisConfig{
		KeyPrefix:    "test",
		BlockTimeout: 100 * time.Millisecond,
		NackDelay:    time.Second,
	}, zap.NewNop())
	return b, client
}

// consumeOne runs Consume until the handler has been called once.
func consumeOne(t *testing.T, b *queue.Redis, q, slot string, h queue.Handler) queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got queue.Message
	called := false
	_ = b.Consume(ctx, q, slot, func(ctx context.Context, msg queue.Message) error {
		got = msg
		called = true
		defer cancel()
		return h(ctx, msg)
	})
	if !called {
		t.Fatal("handler was never called")
	}
	return got
}

func TestRedis_PublishConsumeAck(t *testing.T) {
	b, client := newRedis(t)
	ctx := context.Background()

	if err := b.Publish(ctx, "primary", []byte(`{"id":"n1"}`)); err != nil {
		t.Fatal(err)
	}
	if d, _ := b.Depth(ctx, "primary"); d != 1 {
		t.Fatalf("expected depth 1, got %d", d)
	}

	msg := consumeOne(t, b, "primary", "slot-0", func(context.Context, queue.Message) error { return nil })
	if string(msg.Body) != `{"id":"n1"}` || msg.ID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if n, _ := client.LLen(ctx, "test:primary:processing:slot-0").Result(); n != 0 {
		t.Fatalf("expected processing list empty after ack, got %d", n)
	}
	if d, _ := b.Depth(ctx, "primary"); d != 0 {
		t.Fatalf("expected depth 0, got %d", d)
	}
}

func TestRedis_NackSchedulesRedelivery(t *testing.T) {
	b, client := newRedis(t)
	ctx := context.Background()
	_ = b.Publish(ctx, "primary", []byte(`{}`))

	consumeOne(t, b, "primary", "slot-0", func(context.Context, queue.Message) error {
		return errors.New("store unreachable")
	})

	if n, _ := client.LLen(ctx, "test:primary:processing:slot-0").Result(); n != 0 {
		t.Fatalf("expected processing list empty after nack, got %d", n)
	}
	if n, _ := client.ZCard(ctx, "test:primary:delayed").Result(); n != 1 {
		t.Fatalf("expected one delayed message, got %d", n)
	}

	// Not yet due.
	if moved, err := b.PromoteDue(ctx, "primary", time.Now()); err != nil || moved != 0 {
		t.Fatalf("expected nothing promoted yet, moved=%d err=%v", moved, err)
	}
	moved, err := b.PromoteDue(ctx, "primary", time.Now().Add(2*time.Second))
	if err != nil || moved != 1 {
		t.Fatalf("expected one promoted, moved=%d err=%v", moved, err)
	}

	msg := consumeOne(t, b, "primary", "slot-0", func(context.Context, queue.Message) error { return nil })
	if msg.Deliveries != 1 {
		t.Fatalf("expected deliveries=1 on redelivery, got %d", msg.Deliveries)
	}
}

func TestRedis_DropAcknowledges(t *testing.T) {
	b, client := newRedis(t)
	ctx := context.Background()
	_ = b.Publish(ctx, "email", []byte(`{}`))

	consumeOne(t, b, "email", "slot-0", func(context.Context, queue.Message) error {
		return queue.Drop(errors.New("bad payload"))
	})

	if n, _ := client.ZCard(ctx, "test:email:delayed").Result(); n != 0 {
		t.Fatalf("expected dropped message not rescheduled, got %d", n)
	}
	if n, _ := client.LLen(ctx, "test:email:processing:slot-0").Result(); n != 0 {
		t.Fatalf("expected processing list empty, got %d", n)
	}
}

func TestRedis_PublishDelayed(t *testing.T) {
	b, _ := newRedis(t)
	ctx := context.Background()

	if err := b.PublishDelayed(ctx, "scheduled", []byte(`{"id":"n2"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if d, _ := b.Depth(ctx, "scheduled"); d != 0 {
		t.Fatalf("expected delayed message invisible, depth=%d", d)
	}
	if moved, _ := b.PromoteDue(ctx, "scheduled", time.Now().Add(30*time.Second)); moved != 0 {
		t.Fatalf("expected nothing due after 30s, moved=%d", moved)
	}
	if moved, _ := b.PromoteDue(ctx, "scheduled", time.Now().Add(61*time.Second)); moved != 1 {
		t.Fatalf("expected message due after 61s, moved=%d", moved)
	}
	if d, _ := b.Depth(ctx, "scheduled"); d != 1 {
		t.Fatalf("expected depth 1 after promotion, got %d", d)
	}
}

func TestRedis_IdenticalDelayedPayloadsAreKept(t *testing.T) {
	b, client := newRedis(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.PublishDelayed(ctx, "scheduled", []byte(`{"id":"same"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := client.ZCard(ctx, "test:scheduled:delayed").Result(); n != 2 {
		t.Fatalf("expected two distinct delayed members, got %d", n)
	}
}

// TestRedis_RecoversInFlightAfterCrash simulates a slot that died holding a
// message: restarting the same slot must redeliver it.
func TestRedis_RecoversInFlightAfterCrash(t *testing.T) {
	b, client := newRedis(t)
	ctx := context.Background()

	orphan := `{"id":"m-1","body":{"id":"n3"}}`
	if err := client.LPush(ctx, "test:primary:processing:slot-7", orphan).Err(); err != nil {
		t.Fatal(err)
	}

	msg := consumeOne(t, b, "primary", "slot-7", func(context.Context, queue.Message) error { return nil })
	if msg.ID != "m-1" || string(msg.Body) != `{"id":"n3"}` {
		t.Fatalf("expected orphan redelivered, got %+v", msg)
	}
	if n, _ := client.LLen(ctx, "test:primary:processing:slot-7").Result(); n != 0 {
		t.Fatalf("expected processing list empty, got %d", n)
	}
}
