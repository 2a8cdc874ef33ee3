package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricealerts/internal/config"
	"pricealerts/internal/logger"
	"pricealerts/internal/stream"

	"go.uber.org/zap"
)

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

	producer, err := stream.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close(5 * time.Second)

	feed := stream.NewFeed(cfg.Ingestion.WebsocketURL, cfg.Ingestion.Products)
	logger.Log.Info("Starting price ingestion",
		zap.Strings("products", cfg.Ingestion.Products),
		zap.String("topic", cfg.Kafka.Topic),
	)

	err = feed.Run(ctx, func(ctx context.Context, u stream.PriceUpdate) error {
		logger.Log.Debug("Ticker",
			zap.String("symbol", u.Symbol),
			zap.String("price", u.Price.String()),
		)
		return producer.Publish(ctx, u)
	})
	if err != nil {
		logger.Log.Error("Price feed stopped", zap.Error(err))
	}
	logger.Log.Info("Price ingestion stopped")
}
