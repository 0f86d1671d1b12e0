package rbac

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the pub/sub channel used when none is configured.
const DefaultInvalidationChannel = "rbac.invalidate"

// RedisBroadcaster publishes invalidation events over Redis pub/sub and applies
// events published by other replicas.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBroadcaster constructs a broadcaster with a random origin id.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this process in published events.
func (b *RedisBroadcaster) Origin() string {
	return b.origin
}

// Publish sends event to every subscriber.
func (b *RedisBroadcaster) Publish(ctx context.Context, event InvalidationEvent) error {
	if b == nil || b.client == nil {
		return nil
	}
	event.Origin = b.origin
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel and hands events from other origins to
// apply until ctx is cancelled. It returns once the subscription is confirmed.
func (b *RedisBroadcaster) Listen(ctx context.Context, apply func(InvalidationEvent)) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("decode invalidation event", slog.Any("error", err))
					continue
				}
				if event.Origin == b.origin {
					continue
				}
				apply(event)
			}
		}
	}()
	return nil
}
