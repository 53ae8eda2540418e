package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultChannelPrefix namespaces ledger-changed channels.
const DefaultChannelPrefix = "credits:ledger"

// RedisPublisher publishes events on a per-organization Redis pub/sub
// channel, for consumers running in other processes.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher wraps client. An empty prefix uses DefaultChannelPrefix.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// NewRedisPublisherFromURL parses a redis:// URL.
func NewRedisPublisherFromURL(url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return NewRedisPublisher(redis.NewClient(opts), prefix), nil
}

// Channel returns the channel carrying orgID's events.
func (p *RedisPublisher) Channel(orgID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, orgID)
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.OrganizationID), payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Subscribe listens on orgID's channel. Callers close the returned PubSub.
func (p *RedisPublisher) Subscribe(ctx context.Context, orgID string) *redis.PubSub {
	return p.client.Subscribe(ctx, p.Channel(orgID))
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
