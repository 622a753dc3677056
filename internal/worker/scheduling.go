package worker

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
	"github.com/notifyhub/delivery-pipeline/internal/schedule"
)

// Scheduling decisions, reported through SchedulingHooks.OnDecision.
const (
	DecisionDue       = "due"
	DecisionDelayed   = "delayed"
	DecisionRearmed   = "rearmed"
	DecisionCancelled = "cancelled"
)

// SchedulingHooks carries the metric callbacks injected by main.
type SchedulingHooks struct {
	OnDecision func(decision string)
}

// SchedulingStage consumes the primary and scheduled queues and decides, per
// notification, whether it is due now, due later, or due repeatedly.
//
// A notification that is not yet due is republished onto the scheduled queue
// with a broker-level delay; the stage never sleeps on it. Once due, a copy
// stamped with fired_at is handed to the render queue. A recurring
// notification is then rearmed with one delayed republish per firing.
type SchedulingStage struct {
	pub            queue.Publisher
	repo           repository.NotificationRepository
	scheduledQueue string
	renderQueue    string
	logger         *zap.Logger
	hooks          SchedulingHooks

	now func() time.Time
}

func NewSchedulingStage(
	pub queue.Publisher,
	repo repository.NotificationRepository,
	scheduledQueue, renderQueue string,
	logger *zap.Logger,
	hooks SchedulingHooks,
) *SchedulingStage {
	if hooks.OnDecision == nil {
		hooks.OnDecision = func(string) {}
	}
	return &SchedulingStage{
		pub:            pub,
		repo:           repo,
		scheduledQueue: scheduledQueue,
		renderQueue:    renderQueue,
		logger:         logger,
		hooks:          hooks,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock; used by tests.
func (s *SchedulingStage) WithClock(now func() time.Time) *SchedulingStage {
	s.now = now
	return s
}

// Handle is a queue.Handler. Re-evaluating the same payload is safe: a past
// scheduled_time always forwards, it is never delayed again.
func (s *SchedulingStage) Handle(ctx context.Context, msg queue.Message) error {
	var n domain.Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return queue.Drop(fmt.Errorf("decode notification: %w", err))
	}
	log := s.logger.With(
		zap.String("notification_id", n.ID),
		zap.String("queue", msg.Queue),
		zap.Int("deliveries", msg.Deliveries),
	)

	cancelled, err := s.isCancelled(ctx, n.ID)
	if err != nil {
		return err
	}
	if cancelled {
		log.Info("notification cancelled, not scheduling")
		s.hooks.OnDecision(DecisionCancelled)
		return nil
	}

	now := s.now()
	if !n.IsDue(now) {
		delay := n.ScheduledTime.Sub(now)
		if err := s.pub.PublishDelayed(ctx, s.scheduledQueue, msg.Body, delay); err != nil {
			return fmt.Errorf("delay notification: %w", err)
		}
		log.Debug("notification not due yet", zap.Duration("delay", delay))
		s.hooks.OnDecision(DecisionDelayed)
		return nil
	}

	if err := s.forward(ctx, &n, now); err != nil {
		return err
	}
	s.hooks.OnDecision(DecisionDue)
	s.recordFiring(ctx, log, n.ID, now)

	if !n.IsRecurring() {
		if err := s.repo.UpdateStatus(ctx, n.ID, domain.StatusSent); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn("failed to mark notification as sent", zap.Error(err))
		}
		log.Info("notification forwarded for rendering")
		return nil
	}

	return s.rearm(ctx, log, &n, now)
}

func (s *SchedulingStage) isCancelled(ctx context.Context, id string) (bool, error) {
	stored, err := s.repo.GetByID(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// The payload is self-contained; a missing record does not block delivery.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load notification status: %w", err)
	}
	return stored.Status == domain.StatusCancelled, nil
}

func (s *SchedulingStage) forward(ctx context.Context, n *domain.Notification, now time.Time) error {
	fired := n.Clone()
	fired.FiredAt = &now
	body, err := json.Marshal(fired)
	if err != nil {
		return queue.Drop(fmt.Errorf("encode notification: %w", err))
	}
	if err := s.pub.Publish(ctx, s.renderQueue, body); err != nil {
		return fmt.Errorf("forward for rendering: %w", err)
	}
	return nil
}

func (s *SchedulingStage) recordFiring(ctx context.Context, log *zap.Logger, id string, at time.Time) {
	if err := s.repo.RecordFiring(ctx, id, at); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn("failed to record firing", zap.Error(err))
	}
}

// rearm republishes a fresh copy for the next cycle. The copy carries its
// next scheduled_time so a redelivery before the delay elapses is delayed
// again rather than fired early.
func (s *SchedulingStage) rearm(ctx context.Context, log *zap.Logger, n *domain.Notification, now time.Time) error {
	rec, err := schedule.Parse(*n.RepeatInterval)
	if err != nil {
		log.Error("invalid repeat interval, not rearming",
			zap.String("repeat_interval", *n.RepeatInterval), zap.Error(err))
		return nil
	}

	delay, err := rec.Delay(now)
	if err != nil {
		log.Error("recurrence has no future firing, not rearming",
			zap.String("repeat_interval", *n.RepeatInterval), zap.Error(err))
		if err := s.repo.UpdateStatus(ctx, n.ID, domain.StatusSent); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn("failed to mark notification as sent", zap.Error(err))
		}
		return nil
	}
	next := n.Clone()
	nextAt := now.Add(delay)
	next.ScheduledTime = &nextAt
	next.FiredAt = nil

	body, err := json.Marshal(next)
	if err != nil {
		return queue.Drop(fmt.Errorf("encode notification: %w", err))
	}
	if err := s.pub.PublishDelayed(ctx, s.scheduledQueue, body, delay); err != nil {
		return fmt.Errorf("rearm notification: %w", err)
	}

	log.Info("recurring notification fired and rearmed",
		zap.Duration("next_in", delay), zap.Time("next_at", nextAt))
	s.hooks.OnDecision(DecisionRearmed)
	return nil
}
