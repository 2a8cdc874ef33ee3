package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"pricealerts/internal/logger"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Producer publishes price updates to Kafka, keyed by symbol so one symbol
// stays on one partition.
type Producer struct {
	producer *kafka.Producer
	topic    string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
		"linger.ms":         5,
	})
	if err != nil {
		return nil, err
	}
	producer := &Producer{producer: p, topic: topic}
	go producer.reportDeliveries()
	return producer, nil
}

func (p *Producer) reportDeliveries() {
	for e := range p.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			logger.Log.Error("Kafka delivery failed",
				zap.String("key", string(m.Key)),
				zap.Error(m.TopicPartition.Error),
			)
		}
	}
}

// Publish enqueues one update. Delivery failures are reported asynchronously.
func (p *Producer) Publish(_ context.Context, u PriceUpdate) error {
	value, err := EncodeUpdate(u)
	if err != nil {
		return err
	}
	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(u.Symbol),
		Value:          value,
		Timestamp:      u.Timestamp,
	}, nil)
}

// Close flushes outstanding messages for up to timeout.
func (p *Producer) Close(timeout time.Duration) {
	if left := p.producer.Flush(int(timeout.Milliseconds())); left > 0 {
		logger.Log.Warn("Kafka producer closed with undelivered messages", zap.Int("pending", left))
	}
	p.producer.Close()
}

// Consumer reads price updates as part of a consumer group.
type Consumer struct {
	consumer *kafka.Consumer
}

func NewConsumer(brokers []string, groupID, topic string) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, err
	}
	return &Consumer{consumer: c}, nil
}

// Run hands every decoded update to handle until ctx is done. Malformed
// messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, PriceUpdate) error) error {
	for ctx.Err() == nil {
		msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kErr kafka.Error
			if errors.As(err, &kErr) && kErr.IsTimeout() {
				continue
			}
			logger.Log.Error("Kafka consumer error", zap.Error(err))
			continue
		}
		handleMessage(ctx, msg, handle)
	}
	return nil
}

func handleMessage(ctx context.Context, msg *kafka.Message, handle func(context.Context, PriceUpdate) error) bool {
	update, err := DecodeUpdate(msg.Value)
	if err != nil {
		logger.Log.Warn("Skipping malformed price update",
			zap.String("key", string(msg.Key)),
			zap.Error(err),
		)
		return false
	}
	if err := handle(ctx, update); err != nil {
		logger.Log.Error("Failed to process price update",
			zap.String("symbol", update.Symbol),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
