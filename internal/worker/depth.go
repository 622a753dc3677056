package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthReader reports the number of ready messages on a queue.
type DepthReader interface {
	Depth(ctx context.Context, queue string) (int64, error)
}

// DepthSampler periodically publishes queue depths to a gauge callback.
type DepthSampler struct {
	reader   DepthReader
	queues   []string
	interval time.Duration
	set      func(queue string, depth int64)
	logger   *zap.Logger
}

func NewDepthSampler(reader DepthReader, queues []string, interval time.Duration, set func(string, int64), logger *zap.Logger) *DepthSampler {
	if set == nil {
		set = func(string, int64) {}
	}
	return &DepthSampler{reader: reader, queues: queues, interval: interval, set: set, logger: logger}
}

func (d *DepthSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SampleOnce(ctx)
		}
	}
}

// SampleOnce reads every queue depth once and returns the snapshot.
func (d *DepthSampler) SampleOnce(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(d.queues))
	for _, q := range d.queues {
		n, err := d.reader.Depth(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("queue depth unavailable", zap.String("queue", q), zap.Error(err))
			}
			continue
		}
		out[q] = n
		d.set(q, n)
	}
	return out
}
