package pricefeed

import (
	"context"
	"encoding/json"
	"time"

	"pricealerts/internal/cache"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"go.uber.org/zap"
)

const (
	quoteKeyPrefix = "quote:"
	cacheEndpoint  = "price_source"
)

// Cached keeps quotes from next in Redis for ttl. Callers keep ttl at or
// below the evaluation interval.
type Cached struct {
	next        Source
	cache       *cache.Cache
	ttl         time.Duration
	concurrency int
}

func NewCached(next Source, c *cache.Cache, ttl time.Duration, concurrency int) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl, concurrency: concurrency}
}

func (c *Cached) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	symbol = models.NormalizeSymbol(symbol)
	key := quoteKeyPrefix + symbol

	raw, ok, err := c.cache.Get(ctx, key, cacheEndpoint)
	if err != nil {
		logger.Log.Warn("Quote cache read failed", zap.String("symbol", symbol), zap.Error(err))
	}
	if ok {
		var quote models.PriceQuote
		if err := json.Unmarshal([]byte(raw), &quote); err == nil {
			return quote, nil
		}
		logger.Log.Warn("Discarding unreadable cached quote", zap.String("symbol", symbol))
	}

	quote, err := c.next.GetPrice(ctx, symbol)
	if err != nil {
		return models.PriceQuote{}, err
	}
	if data, err := json.Marshal(quote); err == nil {
		if err := c.cache.Set(ctx, key, string(data), c.ttl); err != nil {
			logger.Log.Warn("Quote cache write failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return quote, nil
}

func (c *Cached) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	return FetchAll(ctx, c.GetPrice, symbols, c.concurrency)
}

// Purge drops every cached quote.
func (c *Cached) Purge(ctx context.Context) (int, error) {
	return c.cache.InvalidateByPrefix(ctx, quoteKeyPrefix, cacheEndpoint)
}
