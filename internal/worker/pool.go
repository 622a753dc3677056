package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/queue"
)

// Slot is one consume loop on one queue. Prefetch is 1, so a slot processes
// a message fully, retries included, before it takes the next.
type Slot struct {
	Stage   string
	Queue   string
	ID      string
	Handler queue.Handler
}

// Pool manages the lifecycle of all consumer slots of this process.
// Throughput scales by adding slots or by running more processes against
// the same queues.
type Pool struct {
	consumer queue.Consumer
	instance string
	slots    []Slot
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewPool creates an empty pool. instance must be stable across restarts of
// the same process (for example the hostname) so that slot ids are too.
func NewPool(consumer queue.Consumer, instance string, logger *zap.Logger) *Pool {
	return &Pool{consumer: consumer, instance: instance, logger: logger}
}

// Add registers count slots of stage consuming queueName with h.
func (p *Pool) Add(stage, queueName string, count int, h queue.Handler) {
	for i := 0; i < count; i++ {
		p.slots = append(p.slots, Slot{
			Stage:   stage,
			Queue:   queueName,
			ID:      fmt.Sprintf("%s-%s-%d", p.instance, stage, i),
			Handler: h,
		})
	}
}

// Slots returns the registered slots.
func (p *Pool) Slots() []Slot {
	return append([]Slot(nil), p.slots...)
}

// Start launches every slot as a goroutine.
// The provided ctx is forwarded to every slot; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, s := range p.slots {
		p.wg.Add(1)
		go func(s Slot) {
			defer p.wg.Done()
			log := p.logger.With(zap.String("stage", s.Stage), zap.String("queue", s.Queue), zap.String("slot", s.ID))
			log.Info("consumer slot started")
			if err := p.consumer.Consume(ctx, s.Queue, s.ID, s.Handler); err != nil {
				log.Error("consumer slot stopped with error", zap.Error(err))
				return
			}
			log.Info("consumer slot stopping")
		}(s)
	}
}

// Wait blocks until every slot has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight messages finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
