package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

func TestRouter_RoutesByChannel(t *testing.T) {
	pub := queue.NewRecorder()
	r := dispatch.NewRouter(pub, map[domain.Channel]string{
		domain.ChannelEmail: "email",
		domain.ChannelPush:  "push",
	})
	ctx := context.Background()

	for _, ch := range domain.Channels {
		task := emailTask
		task.Channel = ch
		if err := r.Route(ctx, &task); err != nil {
			t.Fatalf("channel %s: %v", ch, err)
		}
	}
	if len(pub.On("email")) != 1 || len(pub.On("push")) != 1 {
		t.Fatalf("expected one task per channel queue, got %+v", pub.All())
	}

	task := emailTask
	task.Channel = "sms"
	if err := r.Route(ctx, &task); !errors.Is(err, domain.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestNewRouter_RequiresEveryChannel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a channel without a queue")
		}
	}()
	dispatch.NewRouter(queue.NewRecorder(), map[domain.Channel]string{domain.ChannelEmail: "email"})
}
