// Package queue is the client side of the queue fabric: named durable queues
// with at-least-once, acknowledge-based consumption and broker-level delayed
// redelivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// Message is one delivery of a queued payload.
type Message struct {
	ID    string
	Queue string
	Body  []byte
	// Deliveries counts how many times this message was handed to a consumer
	// and negatively acknowledged before this delivery.
	Deliveries int
}

// Handler processes a single message.
//
// A nil return acknowledges the message. An error wrapped with Drop also
// acknowledges it (poison payloads must not loop). Any other error is a
// negative acknowledgement: the message is redelivered after the nack delay.
type Handler func(ctx context.Context, msg Message) error

// Publisher enqueues payloads.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	// PublishDelayed makes body visible on queue only after delay has elapsed.
	// A non-positive delay behaves like Publish.
	PublishDelayed(ctx context.Context, queue string, body []byte, delay time.Duration) error
}

// Consumer runs a single-slot consume loop (prefetch = 1) until ctx is done.
// consumerID must be stable for the slot so that unacknowledged messages of a
// crashed slot are recovered when it restarts.
type Consumer interface {
	Consume(ctx context.Context, queue, consumerID string, h Handler) error
}

// Broker is the full queue fabric client used by the pipeline.
type Broker interface {
	Publisher
	Consumer
	// Depth returns the number of messages ready for consumption.
	Depth(ctx context.Context, queue string) (int64, error)
	// PromoteDue moves delayed messages whose delay has elapsed by now onto
	// their ready queue and returns how many were moved.
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	Close() error
}

type dropError struct{ err error }

func (e *dropError) Error() string { return "drop: " + e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

// Drop marks err as non-retryable: the message is acknowledged and discarded.
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &dropError{err: err}
}

// IsDrop reports whether err was wrapped with Drop.
func IsDrop(err error) bool {
	var d *dropError
	return errors.As(err, &d)
}
