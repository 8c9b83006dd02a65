package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

// Publisher pushes lifecycle events onto a Redis list.
type Publisher struct {
	rdb      *redis.Client
	queueKey string
	now      func() time.Time
}

func NewPublisher(rdb *redis.Client, queueKey string) *Publisher {
	return &Publisher{rdb: rdb, queueKey: queueKey, now: time.Now}
}

// Publish encodes ev and appends it to the queue.
func (p *Publisher) Publish(ctx context.Context, ev voucher.Event) error {
	env, err := Encode(ev, p.now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.rdb.RPush(ctx, p.queueKey, string(raw)).Err()
}
