package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/manifest-network/ledgersync/internal/config"
)

// Producer is a transient session on the notification transport.
type Producer interface {
	Send(ctx context.Context, topic, tag string, body []byte) error
	Close() error
}

// ProducerFactory opens a producer session against a resolved address.
type ProducerFactory func(ctx context.Context, addr string, cfg config.NotifyConfig) (Producer, error)

// RedisProducer appends messages to a redis stream named after the topic.
type RedisProducer struct {
	client   *redis.Client
	instance string
}

// NewRedisProducer opens a redis session under a fresh instance name.
func NewRedisProducer(ctx context.Context, addr string, cfg config.NotifyConfig) (Producer, error) {
	instance := cfg.GroupID + "-" + uuid.NewString()[:8]
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: instance,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start producer %s: %w", instance, err)
	}
	return &RedisProducer{client: client, instance: instance}, nil
}

func (p *RedisProducer) Send(ctx context.Context, topic, tag string, body []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"tag":      tag,
			"producer": p.instance,
			"body":     body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", topic, err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}
