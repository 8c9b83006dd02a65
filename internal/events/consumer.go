package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one decoded event.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// ConsumerConfig names the queues the consumer drains.
type ConsumerConfig struct {
	QueueKey   string
	DLQKey     string
	PopTimeout time.Duration
}

// Run is the consumer loop: BLPOP → decode → handle. Items that fail to
// decode or whose handler fails are moved to the dead-letter list.
func Run(ctx context.Context, cfg ConsumerConfig, rdb *redis.Client, h Handler, log *zap.Logger) {
	log.Info("event consumer started", zap.String("queue", cfg.QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("event consumer stopped")
			return
		}

		results, err := rdb.BLPop(ctx, cfg.PopTimeout, cfg.QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				log.Info("event consumer stopped")
				return
			}
			log.Error("events: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		process(ctx, cfg, rdb, h, results[1], log)
	}
}

func process(ctx context.Context, cfg ConsumerConfig, rdb *redis.Client, h Handler, raw string, log *zap.Logger) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		deadLetter(ctx, cfg, rdb, raw, "undecodable", err, log)
		return
	}
	if err := env.validate(); err != nil {
		deadLetter(ctx, cfg, rdb, raw, "invalid", err, log)
		return
	}
	if err := h.Handle(ctx, env); err != nil {
		deadLetter(ctx, cfg, rdb, raw, "handler failed", err, log)
	}
}

func deadLetter(ctx context.Context, cfg ConsumerConfig, rdb *redis.Client, raw, reason string, cause error, log *zap.Logger) {
	log.Error("events: dead-lettering item",
		zap.String("reason", reason),
		zap.String("raw", raw),
		zap.Error(cause),
	)
	if err := rdb.RPush(context.WithoutCancel(ctx), cfg.DLQKey, raw).Err(); err != nil {
		log.Error("events: push to DLQ", zap.String("dlq", cfg.DLQKey), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
