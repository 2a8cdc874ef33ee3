package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/logger"
	"pricealerts/internal/pricefeed"
	"pricealerts/internal/stream"

	"go.uber.org/zap"
)

// price_processing consumes the price stream and keeps the latest tick per
// symbol in Redis, where the "ticks" price provider reads it.
func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	logger.InitLogger("info")
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}
	logger.InitLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.NewRedisClient(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()
	writer := pricefeed.NewTickWriter(rdb)

	consumer, err := stream.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	logger.Log.Info("Listening for price updates",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	err = consumer.Run(ctx, func(ctx context.Context, u stream.PriceUpdate) error {
		return writer.Write(ctx, u.Tick())
	})
	if err != nil {
		logger.Log.Error("Consumer stopped", zap.Error(err))
	}
	logger.Log.Info("Price processing stopped")
}
