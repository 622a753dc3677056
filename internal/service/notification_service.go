package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
)

// NotificationService is the intake stage: it coordinates the store and the
// primary queue. HTTP handlers depend on this service, never on the queue.
type NotificationService struct {
	repo         repository.NotificationRepository
	pub          queue.Publisher
	primaryQueue string
	onAccepted   func()
	logger       *zap.Logger
	now          func() time.Time
}

func NewNotificationService(
	repo repository.NotificationRepository,
	pub queue.Publisher,
	primaryQueue string,
	onAccepted func(),
	logger *zap.Logger,
) *NotificationService {
	if onAccepted == nil {
		onAccepted = func() {}
	}
	return &NotificationService{
		repo:         repo,
		pub:          pub,
		primaryQueue: primaryQueue,
		onAccepted:   onAccepted,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create validates, persists and publishes a single notification.
//
// The id is the idempotency key. When the id already exists the stored record
// is returned as is and the bool result is true; nothing is published again,
// unless the stored record never made it onto the queue.
func (s *NotificationService) Create(
	ctx context.Context,
	req domain.CreateNotificationRequest,
) (*domain.Notification, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	n := req.ToNotification(s.now())
	err := s.repo.Insert(ctx, n)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return s.resume(ctx, n.ID)
	case err != nil:
		return nil, false, fmt.Errorf("persist notification: %w", err)
	}

	if err := s.publish(ctx, n); err != nil {
		return nil, false, err
	}
	s.onAccepted()
	return n, false, nil
}

// resume handles a repeated intake of an existing id.
func (s *NotificationService) resume(ctx context.Context, id string) (*domain.Notification, bool, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load existing notification: %w", err)
	}
	if existing.Status != domain.StatusFailed || existing.FireCount > 0 {
		return existing, true, nil
	}

	if err := s.repo.UpdateStatus(ctx, id, domain.StatusPending); err != nil {
		return nil, false, fmt.Errorf("reset status: %w", err)
	}
	existing.Status = domain.StatusPending
	if err := s.publish(ctx, existing); err != nil {
		return nil, false, err
	}
	s.logger.Info("re-published notification that failed to enqueue", zap.String("notification_id", id))
	s.onAccepted()
	return existing, true, nil
}

// publish puts n on the primary queue. On failure the record is marked
// failed so a retried intake of the same id publishes it again.
func (s *NotificationService) publish(ctx context.Context, n *domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.pub.Publish(ctx, s.primaryQueue, body); err != nil {
		if uerr := s.repo.UpdateStatus(ctx, n.ID, domain.StatusFailed); uerr != nil {
			s.logger.Error("failed to mark unpublished notification",
				zap.String("notification_id", n.ID), zap.Error(uerr))
		}
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

// Cancel marks a notification as cancelled. The scheduling stage checks the
// stored status on every firing, so this also stops a recurring notification.
func (s *NotificationService) Cancel(ctx context.Context, id string) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch n.Status {
	case domain.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case domain.StatusSent:
		if !n.IsRecurring() {
			return domain.ErrNotCancellable
		}
	}

	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("notification cancelled", zap.String("notification_id", id))
	return nil
}
