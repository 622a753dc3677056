package push

import (
	"context"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Sender is the push variant of dispatch.Sender. An offline recipient yields
// domain.ErrRecipientOffline with no transport write; nothing is stored for
// later delivery.
type Sender struct {
	registry     *Registry
	writeTimeout time.Duration
}

func NewSender(registry *Registry, writeTimeout time.Duration) *Sender {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Sender{registry: registry, writeTimeout: writeTimeout}
}

func (s *Sender) Channel() domain.Channel { return domain.ChannelPush }

func (s *Sender) Send(ctx context.Context, task *domain.DeliveryTask) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return s.registry.Send(task.RecipientID, task.RenderedBody, deadline)
}

var _ dispatch.Sender = (*Sender)(nil)
