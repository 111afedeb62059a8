package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes envelopes over Redis Pub/Sub, one logical topic per
// channel. Messages published while a replica is disconnected are lost,
// matching the at-most-once contract.
type RedisBus struct {
	Logger *zap.Logger

	client *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, Logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(channel string, h Handler) {
	sub := b.client.Subscribe(context.Background(), channel)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.Logger.Warn("discarding malformed event",
					zap.String("channel", channel), zap.Error(err))
				continue
			}
			b.deliver(channel, h, env)
		}
	}()
}

func (b *RedisBus) deliver(channel string, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error("event handler panicked",
				zap.String("channel", channel),
				zap.String("eventType", env.EventType),
				zap.Any("panic", r))
		}
	}()
	h(context.Background(), env)
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.subs = nil
	return nil
}
