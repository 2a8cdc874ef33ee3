package main

import (
	"context"
	"flag"
	"time"

	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/logger"

	"go.uber.org/zap"
)

// migrate connects to Postgres, checks the connection and applies the store
// schema. It is safe to run repeatedly.
func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dsn := flag.String("db", "", "Database connection string (overrides config)")
	flag.Parse()

	logger.InitLogger("info")
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}
	if *dsn != "" {
		cfg.Postgres.DSN = *dsn
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.OpenPostgres(ctx, cfg.Postgres.DSN, database.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		logger.Log.Fatal("Database connection failed", zap.Error(err))
	}
	defer db.Close()
	logger.Log.Info("Successfully connected to the database")

	if err := database.Migrate(ctx, db); err != nil {
		logger.Log.Fatal("Migration failed", zap.Error(err))
	}
	logger.Log.Info("Schema applied")
}
