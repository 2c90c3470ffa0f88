package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/p2pbet/bet-engine/internal/model"
)

// ChannelBetEvents is the default pub/sub channel for bet events.
const ChannelBetEvents = "bet_events"

// Publisher is the subset of *redis.Client the publisher uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events on a Redis pub/sub channel for push
// gateways running in other processes.
type RedisPublisher struct {
	r       Publisher
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(r Publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = ChannelBetEvents
	}
	return &RedisPublisher{r: r, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.r.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.OfferID, err)
	}
	return nil
}
