package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis-backed broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key written by the broker.
	KeyPrefix string
	// BlockTimeout bounds a single BLMOVE wait so the consume loop can
	// notice cancellation.
	BlockTimeout time.Duration
	// NackDelay is how long a negatively acknowledged message waits before it
	// becomes visible again.
	NackDelay time.Duration
	// PromoteBatch caps how many delayed messages one PromoteDue call moves.
	PromoteBatch int
}

// Redis implements Broker on Redis data structures:
//
//	<prefix>:<queue>                      LIST  ready messages (LPUSH in, consumed from the right)
//	<prefix>:<queue>:processing:<slot>    LIST  the one in-flight message of a consumer slot
//	<prefix>:<queue>:delayed              ZSET  delayed messages scored by due time (unix ms)
//
// Acknowledging removes the message from the slot's processing list. A slot
// that crashes leaves its message there; the next Consume with the same
// consumer id pushes it back onto the ready list, giving at-least-once
// delivery. Durability across broker restarts relies on Redis persistence
// (AOF) being enabled.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

type envelope struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	Deliveries int             `json:"deliveries,omitempty"`
}

// promoteScript atomically moves due members of a delayed ZSET onto the
// ready list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg, logger), nil
}

// NewRedisWithClient wraps an existing client. Zero config values get defaults.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "notify"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = time.Second
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 500
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// Client exposes the underlying connection so other components (the
// delivery dedup guard) can share it.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) readyKey(queue string) string { return r.cfg.KeyPrefix + ":" + queue }

func (r *Redis) delayedKey(queue string) string { return r.cfg.KeyPrefix + ":" + queue + ":delayed" }

func (r *Redis) processingKey(queue, consumerID string) string {
	return r.cfg.KeyPrefix + ":" + queue + ":processing:" + consumerID
}

func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	raw, err := encodeEnvelope(envelope{ID: uuid.New().String(), Body: body})
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.readyKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) PublishDelayed(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return r.Publish(ctx, queue, body)
	}
	raw, err := encodeEnvelope(envelope{ID: uuid.New().String(), Body: body})
	if err != nil {
		return err
	}
	return r.schedule(ctx, r.client, queue, raw, time.Now().Add(delay))
}

func (r *Redis) schedule(ctx context.Context, c redis.Cmdable, queue string, raw []byte, due time.Time) error {
	err := c.ZAdd(ctx, r.delayedKey(queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("publish delayed to %s: %w", queue, err)
	}
	return nil
}

// Consume runs the slot's loop until ctx is cancelled.
func (r *Redis) Consume(ctx context.Context, queue, consumerID string, h Handler) error {
	ready := r.readyKey(queue)
	processing := r.processingKey(queue, consumerID)
	log := r.logger.With(zap.String("queue", queue), zap.String("consumer", consumerID))

	if n, err := r.recoverInFlight(ctx, processing, ready); err != nil {
		log.Error("failed to recover in-flight messages", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered unacknowledged messages", zap.Int("count", n))
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := r.client.BLMove(ctx, ready, processing, "RIGHT", "LEFT", r.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("consume failed", zap.Error(err))
			if !sleepCtx(ctx, r.cfg.NackDelay) {
				return nil
			}
			continue
		}

		r.handle(ctx, log, queue, processing, raw, h)
	}
}

func (r *Redis) handle(ctx context.Context, log *zap.Logger, queue, processing, raw string, h Handler) {
	// Settle even if the consumer is shutting down, so a finished message
	// is not redelivered on restart.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Error("undecodable envelope dropped", zap.Error(err))
		r.ack(settleCtx, log, processing, raw)
		return
	}

	err := h(ctx, Message{ID: env.ID, Queue: queue, Body: env.Body, Deliveries: env.Deliveries})
	switch {
	case err == nil:
		r.ack(settleCtx, log, processing, raw)
	case IsDrop(err):
		log.Warn("message dropped", zap.String("message_id", env.ID), zap.Error(err))
		r.ack(settleCtx, log, processing, raw)
	default:
		log.Warn("message nacked", zap.String("message_id", env.ID),
			zap.Int("deliveries", env.Deliveries+1), zap.Error(err))
		r.nack(settleCtx, log, queue, processing, raw, env)
	}
}

func (r *Redis) ack(ctx context.Context, log *zap.Logger, processing, raw string) {
	if err := r.client.LRem(ctx, processing, 1, raw).Err(); err != nil {
		// The message stays in the processing list and is redelivered when
		// this slot restarts.
		log.Error("ack failed", zap.Error(err))
	}
}

// nack re-schedules the message on the delayed set and removes it from the
// processing list in one transaction, so a failing handler never spins.
func (r *Redis) nack(ctx context.Context, log *zap.Logger, queue, processing, raw string, env envelope) {
	env.Deliveries++
	next, err := encodeEnvelope(env)
	if err != nil {
		log.Error("nack encode failed", zap.Error(err))
		return
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := r.schedule(ctx, p, queue, next, time.Now().Add(r.cfg.NackDelay)); err != nil {
			return err
		}
		return p.LRem(ctx, processing, 1, raw).Err()
	})
	if err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}

func (r *Redis) recoverInFlight(ctx context.Context, processing, ready string) (int, error) {
	n := 0
	for {
		err := r.client.LMove(ctx, processing, ready, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, r.readyKey(queue)).Result()
}

func (r *Redis) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, r.client,
		[]string{r.delayedKey(queue), r.readyKey(queue)},
		strconv.FormatInt(now.UnixMilli(), 10), r.cfg.PromoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", queue, err)
	}
	return n, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeEnvelope(env envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// sleepCtx waits for d or until ctx is done; it reports whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Broker = (*Redis)(nil)
