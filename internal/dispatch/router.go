package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

// Router maps every channel to exactly one queue. Each dispatcher consumes
// only its own channel's queue, which makes routing exclusive.
type Router struct {
	pub    queue.Publisher
	queues map[domain.Channel]string
}

// NewRouter panics if a known channel is left without a queue; routing must
// be total.
func NewRouter(pub queue.Publisher, queues map[domain.Channel]string) *Router {
	for _, ch := range domain.Channels {
		if queues[ch] == "" {
			panic(fmt.Sprintf("dispatch: no queue configured for channel %q", ch))
		}
	}
	return &Router{pub: pub, queues: queues}
}

// QueueFor returns the queue name for ch.
func (r *Router) QueueFor(ch domain.Channel) (string, error) {
	q, ok := r.queues[ch]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownChannel, ch)
	}
	return q, nil
}

// Route publishes task onto its channel queue.
func (r *Router) Route(ctx context.Context, task *domain.DeliveryTask) error {
	q, err := r.QueueFor(task.Channel)
	if err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode delivery task: %w", err)
	}
	if err := r.pub.Publish(ctx, q, body); err != nil {
		return fmt.Errorf("publish delivery task to %s: %w", q, err)
	}
	return nil
}
