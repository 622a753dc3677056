package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/provider"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/render"
)

// Skip reasons, reported through RenderingHooks.OnSkipped.
const (
	SkipRecipientMissing = "recipient_missing"
	SkipOptedOut         = "opted_out"
	SkipNoContact        = "no_contact"
	SkipTemplateMissing  = "template_missing"
	SkipRenderFailed     = "render_failed"
)

// RenderingHooks carries the metric callbacks injected by main.
type RenderingHooks struct {
	OnEmitted func(channel domain.Channel)
	OnSkipped func(reason string)
}

// TaskRouter publishes a delivery task onto its channel queue.
type TaskRouter interface {
	Route(ctx context.Context, task *domain.DeliveryTask) error
}

// RenderingStage resolves each recipient of a due notification, renders its
// content and emits one delivery task per eligible recipient.
//
// Data errors (unknown recipient, unknown template, bad content) skip the
// affected recipients. Collaborator outages return an error so the message
// is redelivered.
type RenderingStage struct {
	profiles  provider.ProfileProvider
	templates provider.TemplateProvider
	renderer  *render.Renderer
	router    TaskRouter
	logger    *zap.Logger
	hooks     RenderingHooks
}

func NewRenderingStage(
	profiles provider.ProfileProvider,
	templates provider.TemplateProvider,
	renderer *render.Renderer,
	router TaskRouter,
	logger *zap.Logger,
	hooks RenderingHooks,
) *RenderingStage {
	if hooks.OnEmitted == nil {
		hooks.OnEmitted = func(domain.Channel) {}
	}
	if hooks.OnSkipped == nil {
		hooks.OnSkipped = func(string) {}
	}
	return &RenderingStage{
		profiles:  profiles,
		templates: templates,
		renderer:  renderer,
		router:    router,
		logger:    logger,
		hooks:     hooks,
	}
}

// Handle is a queue.Handler for the render queue.
func (s *RenderingStage) Handle(ctx context.Context, msg queue.Message) error {
	var n domain.Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return queue.Drop(fmt.Errorf("decode notification: %w", err))
	}
	log := s.logger.With(
		zap.String("notification_id", n.ID),
		zap.String("channel", string(n.DeliveryType)),
	)
	if !n.DeliveryType.IsValid() {
		return queue.Drop(fmt.Errorf("%w: %s", domain.ErrInvalidChannel, n.DeliveryType))
	}

	firedAt := time.Now().UTC()
	if n.FiredAt != nil {
		firedAt = *n.FiredAt
	}

	// Several recipients share one template fetch. A single recipient is
	// rendered inline, and only once it is known to be eligible.
	var shared *render.Message
	if len(n.Recipients) > 1 {
		compiled, reason, err := s.compile(ctx, &n)
		if err != nil {
			return err
		}
		if reason != "" {
			log.Warn("content unavailable, skipping all recipients", zap.String("reason", reason))
			for range n.Recipients {
				s.hooks.OnSkipped(reason)
			}
			return nil
		}
		shared = compiled
	}

	emitted := 0
	for _, recipientID := range n.Recipients {
		rlog := log.With(zap.String("recipient_id", recipientID))

		profile, reason, err := s.resolve(ctx, recipientID, n.DeliveryType)
		if err != nil {
			return err
		}
		if reason != "" {
			rlog.Info("recipient skipped", zap.String("reason", reason))
			s.hooks.OnSkipped(reason)
			continue
		}

		m := shared
		if m == nil {
			m, reason, err = s.compile(ctx, &n)
			if err != nil {
				return err
			}
			if reason != "" {
				rlog.Warn("recipient skipped", zap.String("reason", reason))
				s.hooks.OnSkipped(reason)
				continue
			}
		}

		subject, body, err := m.For(profile)
		if err != nil {
			rlog.Warn("recipient skipped", zap.String("reason", SkipRenderFailed), zap.Error(err))
			s.hooks.OnSkipped(SkipRenderFailed)
			continue
		}

		task := &domain.DeliveryTask{
			NotificationID:  n.ID,
			RecipientID:     recipientID,
			Channel:         n.DeliveryType,
			ContactAddress:  profile.ContactAddress,
			RenderedSubject: subject,
			RenderedBody:    body,
			FiredAt:         firedAt,
		}
		if err := s.router.Route(ctx, task); err != nil {
			return err
		}
		s.hooks.OnEmitted(n.DeliveryType)
		emitted++
	}

	log.Info("notification rendered",
		zap.Int("recipients", len(n.Recipients)),
		zap.Int("emitted", emitted),
	)
	return nil
}

// resolve returns the recipient's profile, or a skip reason when the
// recipient is not eligible for ch.
func (s *RenderingStage) resolve(ctx context.Context, recipientID string, ch domain.Channel) (*domain.Profile, string, error) {
	profile, err := s.profiles.GetProfile(ctx, recipientID)
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMalformedResponse):
		return nil, SkipRecipientMissing, nil
	case err != nil:
		return nil, "", fmt.Errorf("resolve recipient: %w", err)
	}
	if !profile.Allows(ch) {
		return nil, SkipOptedOut, nil
	}
	if ch == domain.ChannelEmail && profile.ContactAddress == "" {
		return nil, SkipNoContact, nil
	}
	return profile, "", nil
}

// compile fetches the template, if any, and prepares the message content.
func (s *RenderingStage) compile(ctx context.Context, n *domain.Notification) (*render.Message, string, error) {
	var tpl *domain.Template
	if n.TemplateID != nil && *n.TemplateID != "" {
		t, err := s.templates.GetTemplate(ctx, *n.TemplateID)
		switch {
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMalformedResponse):
			return nil, SkipTemplateMissing, nil
		case err != nil:
			return nil, "", fmt.Errorf("resolve template: %w", err)
		}
		tpl = t
	}

	m, err := s.renderer.Compile(n, tpl)
	if err != nil {
		return nil, SkipRenderFailed, nil
	}
	return m, "", nil
}
