package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

const defaultStreamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus with Pub/Sub for live fan-out and a
// capped stream for history.
type SignalBus struct {
	c      *Client
	maxLen int64
}

// NewSignalBus creates a SignalBus; maxLen <= 0 uses 10000 entries.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &SignalBus{c: c, maxLen: maxLen}
}

// Publish sends payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.Underlying().Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads that closes when ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	rdb := sb.c.Underlying()
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = rdb.PSubscribe(ctx, sb.c.Key(channel))
	} else {
		pubsub = rdb.Subscribe(ctx, sb.c.Key(channel))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend appends payload to a capped stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.c.Underlying().XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.Key(stream),
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
