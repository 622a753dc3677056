package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Memory is an in-process broker backed by one buffered channel per queue.
// It keeps the fabric contract (manual ack, prefetch 1, delayed redelivery)
// but nothing survives a restart, so it is for local runs and tests only.
//
// Publish is non-blocking: a full queue returns domain.ErrQueueFull at once
// instead of blocking the publisher.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]chan Message
	capacity  int
	nackDelay time.Duration
	timers    map[*time.Timer]struct{}
	closed    bool
	logger    *zap.Logger
}

func NewMemory(capacity int, nackDelay time.Duration, logger *zap.Logger) *Memory {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Memory{
		queues:    make(map[string]chan Message),
		capacity:  capacity,
		nackDelay: nackDelay,
		timers:    make(map[*time.Timer]struct{}),
		logger:    logger,
	}
}

func (m *Memory) queue(name string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Message, m.capacity)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(_ context.Context, queue string, body []byte) error {
	return m.enqueue(Message{ID: uuid.New().String(), Queue: queue, Body: copyBytes(body)})
}

func (m *Memory) PublishDelayed(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return m.Publish(ctx, queue, body)
	}
	m.after(delay, Message{ID: uuid.New().String(), Queue: queue, Body: copyBytes(body)})
	return nil
}

func (m *Memory) enqueue(msg Message) error {
	select {
	case m.queue(msg.Queue) <- msg:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// after schedules msg without blocking the caller.
func (m *Memory) after(delay time.Duration, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		if err := m.enqueue(msg); err != nil {
			m.logger.Warn("delayed message lost: queue full",
				zap.String("queue", msg.Queue), zap.String("message_id", msg.ID))
		}
	})
	m.timers[t] = struct{}{}
}

// Consume blocks until ctx is cancelled, handling one message at a time.
func (m *Memory) Consume(ctx context.Context, queue, consumerID string, h Handler) error {
	q := m.queue(queue)
	log := m.logger.With(zap.String("queue", queue), zap.String("consumer", consumerID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			err := h(ctx, msg)
			switch {
			case err == nil:
			case IsDrop(err):
				log.Warn("message dropped", zap.String("message_id", msg.ID), zap.Error(err))
			default:
				log.Warn("message nacked", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Deliveries++
				m.after(m.nackDelay, msg)
			}
		}
	}
}

func (m *Memory) Depth(_ context.Context, queue string) (int64, error) {
	return int64(len(m.queue(queue))), nil
}

// PromoteDue is a no-op: delayed messages are promoted by their own timers.
func (m *Memory) PromoteDue(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

// Close stops all pending delayed deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	return nil
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

var _ Broker = (*Memory)(nil)
