// Package events carries state-change notifications from workers to the
// connection hub over a pub/sub topic.
package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Subscription yields messages until the underlying connection breaks.
type Subscription interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// RedisTransport is a Transport over Redis PUBLISH/SUBSCRIBE. Delivery is
// at-most-once: subscribers miss whatever is published while disconnected.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)
	// wait for the subscribe confirmation so the caller knows it is live
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error { return s.ps.Close() }
