package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per delivery channel.
// Each limiter enforces a steady-state rate (e.g. 100 sends/sec) shared by all
// dispatcher slots of that channel in this process. Burst equals the rate.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
// A non-positive rate disables limiting.
func New(ratePerSec int) *ChannelLimiters {
	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels))
	for _, ch := range domain.Channels {
		if ratePerSec <= 0 {
			limiters[ch] = rate.NewLimiter(rate.Inf, 0)
			continue
		}
		limiters[ch] = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token.
// Returns a non-nil error if ctx is cancelled while waiting or the channel is unknown.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return domain.ErrUnknownChannel
	}
	return l.Wait(ctx)
}
