package ingest

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport subscribes to redis pub/sub channels.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(url string) (*RedisTransport, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisTransport{client: redis.NewClient(opt)}, nil
}

func NewRedisTransportFromClient(c *redis.Client) *RedisTransport {
	return &RedisTransport{client: c}
}

func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channels...)
	// Wait for the subscribe confirmation so a dead server fails here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
