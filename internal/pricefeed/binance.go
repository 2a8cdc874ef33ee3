package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pricealerts/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// Binance API error codes we map to specific reasons.
const (
	binanceInvalidSymbol = -1121
	binanceTooManyReqs   = -1003
)

// Binance prices symbols from the spot 24h ticker of <SYMBOL><quote asset>.
type Binance struct {
	client      *binance.Client
	quoteAsset  string
	concurrency int
	now         func() time.Time
}

func NewBinance(apiKey, secretKey, quoteAsset string, timeout time.Duration, concurrency int) *Binance {
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{Timeout: timeout}
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &Binance{client: client, quoteAsset: quoteAsset, concurrency: concurrency, now: time.Now}
}

// WithBaseURL points the client at another API host.
func (b *Binance) WithBaseURL(url string) *Binance {
	b.client.BaseURL = url
	return b
}

func (b *Binance) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	symbol = models.NormalizeSymbol(symbol)
	stats, err := b.client.NewListPriceChangeStatsService().
		Symbol(symbol + b.quoteAsset).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case binanceInvalidSymbol:
				return models.PriceQuote{}, unavailable(symbol, ReasonNotFound, err)
			case binanceTooManyReqs:
				return models.PriceQuote{}, unavailable(symbol, ReasonRateLimited, err)
			}
			return models.PriceQuote{}, unavailable(symbol, ReasonUpstream, err)
		}
		return models.PriceQuote{}, unavailable(symbol, ReasonTransport, err)
	}
	if len(stats) == 0 {
		return models.PriceQuote{}, unavailable(symbol, ReasonNotFound, nil)
	}

	price, err := decimal.NewFromString(stats[0].LastPrice)
	if err != nil {
		return models.PriceQuote{}, unavailable(symbol, ReasonDecode, fmt.Errorf("last price %q: %w", stats[0].LastPrice, err))
	}
	quote := models.PriceQuote{
		Symbol:     symbol,
		Price:      price.InexactFloat64(),
		ObservedAt: b.now(),
		Source:     "binance",
	}
	if change, err := decimal.NewFromString(stats[0].PriceChangePercent); err == nil {
		quote.ChangePercent24h = models.Float(change.InexactFloat64())
	}
	return quote, nil
}

func (b *Binance) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	return FetchAll(ctx, b.GetPrice, symbols, b.concurrency)
}
