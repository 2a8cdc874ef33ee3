package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/evaluator"
	"pricealerts/internal/handlers"
	"pricealerts/internal/logger"
	"pricealerts/internal/notify"
	"pricealerts/internal/pricefeed"
	"pricealerts/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.String("port", "", "Port for alerts service (overrides config)")
	instance := flag.String("instance", "", "Instance ID for this server (overrides config)")
	flag.Parse()

	logger.InitLogger("info")
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *instance != "" {
		cfg.Server.Instance = *instance
	}

	logger.InitLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	rdb := connectRedis(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	store, healthCheck, closeStore := buildStore(ctx, cfg, rdb)
	defer closeStore()

	prices := buildSource(ctx, cfg, rdb)

	// Browser notifications go through Redis when available so every
	// instance's SSE streams see them; otherwise straight to the local hub.
	hub := handlers.NewHub()
	var publisher notify.Publisher = hub
	if rdb != nil {
		publisher = cache.NewPublisher(rdb)
		sub, err := cache.NewSubscriber(ctx, rdb, cfg.Notifications.PubSubChannel)
		if err != nil {
			logger.Log.Fatal("Failed to subscribe to browser notifications", zap.Error(err))
		}
		defer sub.Close()
		go hub.RunRelay(ctx, sub)
	}

	// telegram is always registered; without a token its sends fail as auth_missing
	if cfg.Notifications.Telegram.BotToken == "" {
		logger.Log.Warn("TELEGRAM_BOT_TOKEN not set, telegram notifications will fail")
	}
	channels := []notify.Channel{
		notify.NewBrowser(publisher, cfg.Notifications.PubSubChannel),
		notify.NewTelegram(
			cfg.Notifications.Telegram.APIURL,
			cfg.Notifications.Telegram.BotToken,
			cfg.Notifications.Telegram.Timeout,
		),
	}
	dispatcher := notify.NewDispatcher(cfg.Notifications.ChannelTimeout, channels...)

	eval := evaluator.New(store, prices, dispatcher, evaluator.Options{
		PriceTimeout: cfg.PriceFeed.Timeout,
		Concurrency:  cfg.PriceFeed.Concurrency,
		MaxQuoteAge:  cfg.MaxQuoteAge(),
		Trend:        evaluator.ChangeThreshold(cfg.Evaluator.TrendThreshold),
	})

	schedulerDone := make(chan struct{})
	if cfg.Evaluator.Enabled {
		scheduler := evaluator.NewScheduler(eval, cfg.Evaluator.Interval)
		go func() {
			scheduler.Run(ctx)
			close(schedulerDone)
		}()
	} else {
		close(schedulerDone)
		logger.Log.Info("In-process scheduler disabled, relying on POST /evaluate")
	}

	if cfg.Server.CronSecret == "" {
		logger.Log.Warn("CRON_SECRET not set, POST /evaluate will reject every call")
	}

	gin.SetMode(gin.ReleaseMode)
	h := handlers.NewHandler(handlers.Options{
		Store:       store,
		Prices:      prices,
		Evaluator:   eval,
		Notifier:    dispatcher,
		Hub:         hub,
		CronSecret:  cfg.Server.CronSecret,
		Instance:    cfg.Server.Instance,
		HealthCheck: healthCheck,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("Alerts service starting",
			zap.String("addr", srv.Addr),
			zap.String("instance", cfg.Server.Instance),
			zap.String("store", cfg.Store.Driver),
			zap.String("provider", cfg.PriceFeed.Provider),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down alerts service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	<-schedulerDone
}

// connectRedis returns a client when the configuration needs Redis, or when
// an optional Redis answers. A nil client means running without it.
func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	required := cfg.Store.Driver == "redis" || cfg.PriceFeed.Provider == "ticks"

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rdb, err := cache.NewRedisClient(pingCtx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		if required {
			logger.Log.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		logger.Log.Warn("Redis unavailable, running without cache, rate limiter and pub/sub",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		return nil
	}
	return rdb
}

func buildStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (database.Store, func(context.Context) error, func()) {
	switch cfg.Store.Driver {
	case "redis":
		return database.NewRedisStore(rdb), func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, func() {}
	case "postgres":
		db, err := database.OpenPostgres(ctx, cfg.Postgres.DSN, database.PoolOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		}
		return database.NewPostgresStore(db), db.PingContext, closeDB(db)
	}
	logger.Log.Warn("Using the in-memory store; alerts are lost on restart")
	return database.NewMemoryStore(), nil, func() {}
}

func closeDB(db *sqlx.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Log.Error("Failed to close database", zap.Error(err))
		}
	}
}

// buildSource assembles provider -> rate limiter -> cache. The decorators
// need Redis and are skipped without it.
func buildSource(ctx context.Context, cfg *config.Config, rdb *redis.Client) pricefeed.Source {
	pf := cfg.PriceFeed

	var source pricefeed.Source
	switch pf.Provider {
	case "static":
		return pricefeed.NewStatic(pf.Static)
	case "ticks":
		// ticks already live in Redis, no upstream to protect
		return pricefeed.NewTicks(rdb, pf.Ticks.MaxAge)
	case "binance":
		source = pricefeed.NewBinance(pf.Binance.APIKey, pf.Binance.SecretKey, pf.Binance.QuoteAsset, pf.Timeout, pf.Concurrency)
	default:
		source = pricefeed.NewCoinGecko(pf.CoinGecko.BaseURL, pf.CoinGecko.APIKey, pf.Timeout)
	}
	if rdb == nil {
		return source
	}

	if pf.RatePerSecond > 0 {
		source = pricefeed.NewLimited(source, redis_rate.NewLimiter(rdb), pf.RatePerSecond, pf.Provider)
	}
	if pf.CacheTTL > 0 {
		cached := pricefeed.NewCached(source, cache.New(rdb, cfg.Server.Instance), pf.CacheTTL, pf.Concurrency)
		// quotes cached under another provider must not leak into this one
		if n, err := cached.Purge(ctx); err != nil {
			logger.Log.Warn("Failed to purge cached quotes", zap.Error(err))
		} else if n > 0 {
			logger.Log.Info("Purged cached quotes", zap.Int("count", n))
		}
		source = cached
	}
	return source
}
