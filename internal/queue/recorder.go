package queue

import (
	"context"
	"sync"
	"time"
)

// Published is one call observed by a Recorder.
type Published struct {
	Queue string
	Body  []byte
	Delay time.Duration
}

// Recorder is a hand-written Publisher that records every publish call.
// Stage tests use it to assert on routing and delays without a broker.
type Recorder struct {
	mu        sync.Mutex
	published []Published

	// Optional error overrides: Err fails every publish, QueueErr fails
	// publishes to one queue only.
	Err      error
	QueueErr map[string]error
}

func NewRecorder() *Recorder {
	return &Recorder{QueueErr: make(map[string]error)}
}

func (r *Recorder) Publish(ctx context.Context, queue string, body []byte) error {
	return r.PublishDelayed(ctx, queue, body, 0)
}

func (r *Recorder) PublishDelayed(_ context.Context, queue string, body []byte, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if err := r.QueueErr[queue]; err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	r.published = append(r.published, Published{Queue: queue, Body: copyBytes(body), Delay: delay})
	return nil
}

// All returns a copy of every recorded publish.
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.published))
	copy(out, r.published)
	return out
}

// On returns the publishes made to queue, in order.
func (r *Recorder) On(queue string) []Published {
	var out []Published
	for _, p := range r.All() {
		if p.Queue == queue {
			out = append(out, p)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}

var _ Publisher = (*Recorder)(nil)
