package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"pricealerts/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const tickTTL = 24 * time.Hour

func tickKey(symbol string) string {
	return "price:" + symbol
}

// Tick is the latest trade observed on the price stream.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	Open24h    decimal.Decimal
	ObservedAt time.Time
	Exchange   string
}

// TickWriter stores the latest tick per symbol in Redis.
type TickWriter struct {
	client *redis.Client
}

func NewTickWriter(client *redis.Client) *TickWriter {
	return &TickWriter{client: client}
}

// Write overwrites the stored tick unless it is older than the one present.
func (w *TickWriter) Write(ctx context.Context, t Tick) error {
	symbol := models.NormalizeSymbol(t.Symbol)
	key := tickKey(symbol)

	current, err := w.client.HGet(ctx, key, "observed_at").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read tick %s: %w", symbol, err)
	}
	if err == nil && current > t.ObservedAt.UnixMilli() {
		return nil
	}

	pipe := w.client.TxPipeline()
	pipe.HSet(ctx, key,
		"price", t.Price.String(),
		"open_24h", t.Open24h.String(),
		"observed_at", t.ObservedAt.UnixMilli(),
		"exchange", t.Exchange,
	)
	pipe.Expire(ctx, key, tickTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write tick %s: %w", symbol, err)
	}
	return nil
}

// Ticks serves quotes from the ticks written by the stream processor.
type Ticks struct {
	client *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

func NewTicks(client *redis.Client, maxAge time.Duration) *Ticks {
	return &Ticks{client: client, maxAge: maxAge, now: time.Now}
}

func (t *Ticks) WithClock(now func() time.Time) *Ticks {
	t.now = now
	return t
}

func (t *Ticks) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	symbol = models.NormalizeSymbol(symbol)
	fields, err := t.client.HGetAll(ctx, tickKey(symbol)).Result()
	if err != nil {
		return models.PriceQuote{}, unavailable(symbol, ReasonTransport, err)
	}
	if len(fields) == 0 {
		return models.PriceQuote{}, unavailable(symbol, ReasonNotFound, nil)
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return models.PriceQuote{}, unavailable(symbol, ReasonDecode, err)
	}
	millis, err := strconv.ParseInt(fields["observed_at"], 10, 64)
	if err != nil {
		return models.PriceQuote{}, unavailable(symbol, ReasonDecode, err)
	}
	observed := time.UnixMilli(millis)
	if t.maxAge > 0 && t.now().Sub(observed) > t.maxAge {
		return models.PriceQuote{}, unavailable(symbol, ReasonStale,
			fmt.Errorf("last tick at %s", observed.UTC().Format(time.RFC3339)))
	}

	quote := models.PriceQuote{
		Symbol:     symbol,
		Price:      price.InexactFloat64(),
		ObservedAt: observed,
		Source:     fields["exchange"],
	}
	if open, err := decimal.NewFromString(fields["open_24h"]); err == nil && open.IsPositive() {
		change := price.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
		quote.ChangePercent24h = models.Float(change.InexactFloat64())
	}
	return quote, nil
}

func (t *Ticks) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	return FetchAll(ctx, t.GetPrice, symbols, 0)
}
