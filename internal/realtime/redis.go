package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

// DefaultChannel is the pub/sub channel shared by gateway instances.
const DefaultChannel = "rx:notifications"

// RedisConfig configures the Redis fan-out.
type RedisConfig struct {
	URL          string
	Channel      string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultRedisConfig returns defaults for a local Redis
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		Channel:      DefaultChannel,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// RedisBus publishes events to a Redis channel and delivers events read from
// it into a local hub, so a recipient connected to any instance receives them.
type RedisBus struct {
	client  *redis.Client
	channel string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.RetryBackoff

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisBus(client, cfg.Channel, breaker, logger), nil
}

func newRedisBus(client *redis.Client, channel string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, breaker: breaker, logger: logger}
}

// Publish sends event to every gateway instance.
func (b *RedisBus) Publish(ctx context.Context, event prescription.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	publish := func(ctx context.Context) (int64, error) {
		return b.client.Publish(ctx, b.channel, payload).Result()
	}
	if b.breaker == nil {
		_, err = publish(ctx)
	} else {
		_, err = circuitbreaker.Do(ctx, b.breaker, publish)
	}
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers each event into hub until ctx is
// done.
func (b *RedisBus) Run(ctx context.Context, hub *Hub) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.logger.Info("subscribed to notification channel", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event prescription.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("discarding malformed notification", zap.Error(err))
				continue
			}
			hub.Deliver(event.Recipient.ID, []byte(msg.Payload))
		}
	}
}

// Ping checks the connection
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client
func (b *RedisBus) Close() error {
	return b.client.Close()
}
