package cache

import (
	"context"

	"pricealerts/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher publishes messages to Redis pub/sub channels.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends message to channel.
func (p *Publisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscriber represents a subscription to a Redis channel
type Subscriber struct {
	pubsub *redis.PubSub
}

// NewSubscriber subscribes to channel and waits for the confirmation.
func NewSubscriber(ctx context.Context, client *redis.Client, channel string) (*Subscriber, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	logger.Log.Info("Subscribed to Redis channel", zap.String("channel", channel))
	return &Subscriber{pubsub: pubsub}, nil
}

// ReceiveMessage waits for and returns the next message
func (s *Subscriber) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	return s.pubsub.ReceiveMessage(ctx)
}

func (s *Subscriber) Close() error {
	return s.pubsub.Close()
}
