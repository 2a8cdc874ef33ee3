package pricefeed

import (
	"context"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
)

// Limiter is satisfied by *redis_rate.Limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// Limited throttles calls to next with a limiter shared by every process
// using the same Redis.
type Limited struct {
	next    Source
	limiter Limiter
	limit   redis_rate.Limit
	key     string
}

func NewLimited(next Source, limiter Limiter, perSecond int, key string) *Limited {
	return &Limited{
		next:    next,
		limiter: limiter,
		limit:   redis_rate.PerSecond(perSecond),
		key:     "ratelimit:" + key,
	}
}

// wait blocks until the limiter admits a call or ctx is done.
func (l *Limited) wait(ctx context.Context, symbol string) error {
	for {
		res, err := l.limiter.Allow(ctx, l.key, l.limit)
		if err != nil {
			// A limiter outage must not stop price lookups.
			logger.Log.Warn("Rate limiter unavailable, allowing call", zap.Error(err))
			return nil
		}
		if res.Allowed > 0 {
			return nil
		}

		retry := res.RetryAfter
		if retry <= 0 {
			retry = 10 * time.Millisecond
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return unavailable(symbol, ReasonRateLimited, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limited) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	if err := l.wait(ctx, symbol); err != nil {
		return models.PriceQuote{}, err
	}
	return l.next.GetPrice(ctx, symbol)
}

func (l *Limited) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	if err := l.wait(ctx, strings.Join(symbols, ",")); err != nil {
		logger.Log.Warn("Batch price lookup throttled", zap.Strings("symbols", symbols), zap.Error(err))
		return map[string]models.PriceQuote{}
	}
	return l.next.GetPrices(ctx, symbols)
}
