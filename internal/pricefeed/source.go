package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPriceUnavailable is matched by every lookup failure.
var ErrPriceUnavailable = errors.New("price unavailable")

// Failure reasons reported by UnavailableError.
const (
	ReasonNotFound    = "not_found"
	ReasonUpstream    = "upstream"
	ReasonTransport   = "transport"
	ReasonRateLimited = "rate_limited"
	ReasonStale       = "stale"
	ReasonDecode      = "decode"
)

// UnavailableError explains why a symbol could not be priced.
type UnavailableError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price unavailable for %s (%s): %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("price unavailable for %s (%s)", e.Symbol, e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrPriceUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func unavailable(symbol, reason string, err error) error {
	return &UnavailableError{Symbol: symbol, Reason: reason, Err: err}
}

// Source yields current quotes. Implementations must honor the context
// deadline on every upstream call.
type Source interface {
	GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error)
	// GetPrices returns quotes for the symbols that could be priced; failed
	// symbols are omitted.
	GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote
}

// FetchFunc looks up a single symbol.
type FetchFunc func(ctx context.Context, symbol string) (models.PriceQuote, error)

// FetchAll calls fetch for every symbol with at most limit calls in flight and
// collects the successes.
func FetchAll(ctx context.Context, fetch FetchFunc, symbols []string, limit int) map[string]models.PriceQuote {
	quotes := make(map[string]models.PriceQuote, len(symbols))
	var mu sync.Mutex

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote, err := fetch(ctx, symbol)
			if err != nil {
				logger.Log.Debug("Price lookup failed",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			quotes[symbol] = quote
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return quotes
}
