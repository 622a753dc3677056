// Package dispatch holds the channel dispatchers: one consumer per channel
// queue that performs the actual send with a bounded, in-process retry loop.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

// Drop reasons, reported through Hooks.OnDropped.
const (
	DropWrongChannel = "wrong_channel"
	DropOffline      = "offline"
	DropDuplicate    = "duplicate"
)

// Sender performs one send attempt over a channel transport. The closed set
// of implementations is email.Sender and push.Sender.
//
// Send returns domain.ErrRecipientOffline when there is nobody to deliver to,
// and wraps errors that must not be retried with Permanent.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, task *domain.DeliveryTask) error
}

// Limiter grants send permits per channel.
type Limiter interface {
	Wait(ctx context.Context, ch domain.Channel) error
}

// Policy bounds the retry loop. Backoff[i] is the pause after failed attempt
// i+1; the last entry is reused when attempts outnumber entries.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

func (p Policy) backoff(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.Backoff) {
		attempt = len(p.Backoff) - 1
	}
	return p.Backoff[attempt]
}

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnAttempt func(channel domain.Channel)
	OnSent    func(channel domain.Channel, latency time.Duration)
	OnFailed  func(channel domain.Channel)
	OnDropped func(channel domain.Channel, reason string)
}

func (h *Hooks) fill() {
	if h.OnAttempt == nil {
		h.OnAttempt = func(domain.Channel) {}
	}
	if h.OnSent == nil {
		h.OnSent = func(domain.Channel, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Channel) {}
	}
	if h.OnDropped == nil {
		h.OnDropped = func(domain.Channel, string) {}
	}
}

// DeadLetter is the record published when a task exhausts its retries.
type DeadLetter struct {
	Task     domain.DeliveryTask `json:"task"`
	Error    string              `json:"error"`
	Attempts int                 `json:"attempts"`
	FailedAt time.Time           `json:"failed_at"`
}

// Dispatcher consumes one channel queue and drives its Sender.
type Dispatcher struct {
	sender  Sender
	limiter Limiter
	policy  Policy
	logger  *zap.Logger
	hooks   Hooks

	dedup           Deduper
	deadLetter      queue.Publisher
	deadLetterQueue string

	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures optional Dispatcher behaviour.
type Option func(*Dispatcher)

// WithDeduper skips tasks already delivered for the same firing.
func WithDeduper(d Deduper) Option {
	return func(ds *Dispatcher) { ds.dedup = d }
}

// WithDeadLetter publishes exhausted tasks to queueName instead of dropping
// them. An empty queueName keeps the drop behaviour.
func WithDeadLetter(pub queue.Publisher, queueName string) Option {
	return func(ds *Dispatcher) {
		ds.deadLetter = pub
		ds.deadLetterQueue = queueName
	}
}

// WithSleep replaces the backoff wait; used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(ds *Dispatcher) { ds.sleep = sleep }
}

func NewDispatcher(sender Sender, limiter Limiter, policy Policy, logger *zap.Logger, hooks Hooks, opts ...Option) *Dispatcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	hooks.fill()
	d := &Dispatcher{
		sender:  sender,
		limiter: limiter,
		policy:  policy,
		logger:  logger.With(zap.String("channel", string(sender.Channel()))),
		hooks:   hooks,
		dedup:   NoopDeduper{},
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channel returns the channel this dispatcher serves.
func (d *Dispatcher) Channel() domain.Channel { return d.sender.Channel() }

// Handle is a queue.Handler for the channel queue. It returns only after the
// attempt sequence has completed, so the message is acknowledged after the
// send, never before it.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	var task domain.DeliveryTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		return queue.Drop(fmt.Errorf("decode delivery task: %w", err))
	}
	ch := d.sender.Channel()
	log := d.logger.With(
		zap.String("notification_id", task.NotificationID),
		zap.String("recipient_id", task.RecipientID),
	)

	if task.Channel != ch {
		log.Error("delivery task on the wrong channel queue, not dispatching",
			zap.String("task_channel", string(task.Channel)), zap.String("queue", msg.Queue))
		d.hooks.OnDropped(ch, DropWrongChannel)
		return nil
	}

	key := task.DedupKey()
	if seen, err := d.dedup.Seen(ctx, key); err != nil {
		log.Warn("dedup check failed, sending anyway", zap.Error(err))
	} else if seen {
		log.Info("delivery already sent for this firing, skipping")
		d.hooks.OnDropped(ch, DropDuplicate)
		return nil
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx, ch); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		attempts = attempt
		task.AttemptCount = attempt
		d.hooks.OnAttempt(ch)

		err := d.sender.Send(ctx, &task)
		if err == nil {
			if err := d.dedup.Mark(ctx, key); err != nil {
				log.Warn("failed to record delivery for dedup", zap.Error(err))
			}
			latency := time.Since(start)
			d.hooks.OnSent(ch, latency)
			log.Info("delivery sent", zap.Int("attempt", attempt), zap.Duration("latency", latency))
			return nil
		}
		if errors.Is(err, domain.ErrRecipientOffline) {
			log.Info("recipient offline, dropping delivery")
			d.hooks.OnDropped(ch, DropOffline)
			return nil
		}

		lastErr = err
		if IsPermanent(err) {
			log.Warn("send failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		log.Warn("send failed", zap.Int("attempt", attempt), zap.Int("max_attempts", d.policy.MaxAttempts), zap.Error(err))

		if attempt < d.policy.MaxAttempts {
			if !d.sleep(ctx, d.policy.backoff(attempt-1)) {
				// Shutting down mid-sequence: leave the message unacknowledged.
				return fmt.Errorf("retry interrupted: %w", ctx.Err())
			}
		}
	}

	d.hooks.OnFailed(ch)
	d.abandon(ctx, log, task, lastErr, attempts)
	return nil
}

func (d *Dispatcher) abandon(ctx context.Context, log *zap.Logger, task domain.DeliveryTask, sendErr error, attempts int) {
	if d.deadLetterQueue == "" || d.deadLetter == nil {
		log.Error("delivery abandoned after retries", zap.Int("attempts", attempts), zap.Error(sendErr))
		return
	}

	body, err := json.Marshal(DeadLetter{
		Task:     task,
		Error:    sendErr.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	if err == nil {
		err = d.deadLetter.Publish(ctx, d.deadLetterQueue, body)
	}
	if err != nil {
		log.Error("delivery abandoned, dead-letter publish failed",
			zap.Int("attempts", attempts), zap.NamedError("send_error", sendErr), zap.Error(err))
		return
	}
	log.Warn("delivery dead-lettered", zap.Int("attempts", attempts), zap.String("queue", d.deadLetterQueue), zap.Error(sendErr))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
