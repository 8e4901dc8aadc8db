package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultChannel = "spotkeeper:user:{userId}:orders"

// RedisPublisher publishes notifications as JSON on a Redis channel.
// A "{userId}" placeholder in the channel is replaced per message.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	log     zerolog.Logger
}

// NewRedis returns a notifier publishing through client.
func NewRedis(client *redis.Client, channel string, log zerolog.Logger) Notifier {
	return sink(NewRedisPublisher(client, channel, log).publish)
}

// NewRedisPublisher creates a publisher.
func NewRedisPublisher(client *redis.Client, channel string, log zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "notify.redis").Logger(),
	}
}

// Channel returns the channel a message for userID goes to.
func (p *RedisPublisher) Channel(userID string) string {
	return strings.ReplaceAll(p.channel, "{userId}", userID)
}

// Publish sends m and reports the delivery error.
func (p *RedisPublisher) Publish(ctx context.Context, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.Channel(m.UserID), raw).Err()
}

func (p *RedisPublisher) publish(ctx context.Context, m Message) {
	if err := p.Publish(ctx, m); err != nil {
		p.log.Warn().Err(err).Str("event", m.Event).Int64("order_id", m.OrderID).Msg("publish notification failed")
	}
}
