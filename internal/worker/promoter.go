package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Promoter moves delayed messages whose delay has elapsed onto their ready
// queue. It is implemented by queue.Broker.
type Promoter interface {
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
}

// DelayPromoter ticks every interval and promotes due delayed messages of
// every known queue. Promotion is atomic per message, so several processes
// may run a promoter against the same broker.
type DelayPromoter struct {
	broker   Promoter
	queues   []string
	interval time.Duration
	logger   *zap.Logger
}

func NewDelayPromoter(broker Promoter, queues []string, interval time.Duration, logger *zap.Logger) *DelayPromoter {
	return &DelayPromoter{broker: broker, queues: queues, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (p *DelayPromoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("delay promoter started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("delay promoter stopping")
			return
		case <-ticker.C:
			p.PromoteOnce(ctx, time.Now())
		}
	}
}

// PromoteOnce runs a single promotion pass and returns the number of messages
// moved across all queues.
func (p *DelayPromoter) PromoteOnce(ctx context.Context, now time.Time) int {
	total := 0
	for _, q := range p.queues {
		n, err := p.broker.PromoteDue(ctx, q, now)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("promote delayed messages failed", zap.String("queue", q), zap.Error(err))
			}
			continue
		}
		if n > 0 {
			p.logger.Debug("promoted delayed messages", zap.String("queue", q), zap.Int("count", n))
		}
		total += n
	}
	return total
}
