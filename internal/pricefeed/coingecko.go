package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// coinIDs maps tickers to CoinGecko coin ids. Unlisted tickers fall back to
// the lowercased ticker.
var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"ADA":   "cardano",
	"DOT":   "polkadot",
	"LINK":  "chainlink",
	"MATIC": "matic-network",
	"AVAX":  "avalanche-2",
	"UNI":   "uniswap",
	"AAVE":  "aave",
	"USDC":  "usd-coin",
}

// CoinID returns the CoinGecko id for a ticker.
func CoinID(symbol string) string {
	symbol = models.NormalizeSymbol(symbol)
	if id, ok := coinIDs[symbol]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

type simplePrice struct {
	USD          *float64 `json:"usd"`
	USD24hChange *float64 `json:"usd_24h_change"`
}

// CoinGecko prices symbols through the /simple/price endpoint. Several
// symbols share one request.
type CoinGecko struct {
	client *resty.Client
	now    func() time.Time
}

func NewCoinGecko(baseURL, apiKey string, timeout time.Duration) *CoinGecko {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("x-cg-demo-api-key", apiKey)
	}
	return &CoinGecko{client: client, now: time.Now}
}

func (c *CoinGecko) fetch(ctx context.Context, symbols []string) (map[string]models.PriceQuote, error) {
	ids := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		s = models.NormalizeSymbol(s)
		id := CoinID(s)
		bySymbol[s] = id
		ids = append(ids, id)
	}

	result := map[string]simplePrice{}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 strings.Join(ids, ","),
			"vs_currencies":       "usd",
			"include_24hr_change": "true",
		}).
		SetResult(&result).
		Get("/simple/price")
	if err != nil {
		return nil, unavailable(strings.Join(symbols, ","), ReasonTransport, err)
	}
	if resp.IsError() {
		reason := ReasonUpstream
		if resp.StatusCode() == http.StatusTooManyRequests {
			reason = ReasonRateLimited
		}
		return nil, unavailable(strings.Join(symbols, ","), reason,
			fmt.Errorf("coingecko returned status %d", resp.StatusCode()))
	}

	observed := c.now()
	quotes := make(map[string]models.PriceQuote, len(bySymbol))
	for symbol, id := range bySymbol {
		p, ok := result[id]
		if !ok || p.USD == nil {
			continue
		}
		quotes[symbol] = models.PriceQuote{
			Symbol:           symbol,
			Price:            *p.USD,
			ChangePercent24h: p.USD24hChange,
			ObservedAt:       observed,
			Source:           "coingecko",
		}
	}
	return quotes, nil
}

func (c *CoinGecko) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	symbol = models.NormalizeSymbol(symbol)
	quotes, err := c.fetch(ctx, []string{symbol})
	if err != nil {
		return models.PriceQuote{}, err
	}
	quote, ok := quotes[symbol]
	if !ok {
		return models.PriceQuote{}, unavailable(symbol, ReasonNotFound, nil)
	}
	return quote, nil
}

func (c *CoinGecko) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	if len(symbols) == 0 {
		return map[string]models.PriceQuote{}
	}
	quotes, err := c.fetch(ctx, symbols)
	if err != nil {
		logger.Log.Warn("CoinGecko batch lookup failed", zap.Strings("symbols", symbols), zap.Error(err))
		return map[string]models.PriceQuote{}
	}
	return quotes
}
