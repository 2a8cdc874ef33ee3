package pricefeed

import (
	"context"
	"sync"
	"time"

	"pricealerts/internal/models"
)

// Static serves quotes from memory. It backs the memory profile and tests.
type Static struct {
	mu     sync.Mutex
	quotes map[string]models.PriceQuote
	errs   map[string]error
	calls  map[string]int
	now    func() time.Time
}

// NewStatic seeds a source with symbol -> price.
func NewStatic(prices map[string]float64) *Static {
	s := &Static{
		quotes: make(map[string]models.PriceQuote),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
		now:    time.Now,
	}
	for symbol, price := range prices {
		s.Set(symbol, price, nil)
	}
	return s
}

// WithClock replaces the time stamped on quotes.
func (s *Static) WithClock(now func() time.Time) *Static {
	s.now = now
	return s
}

// Set replaces the quote for symbol and clears any injected failure.
func (s *Static) Set(symbol string, price float64, change24h *float64) {
	symbol = models.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = models.PriceQuote{
		Symbol:           symbol,
		Price:            price,
		ChangePercent24h: change24h,
		Source:           "static",
	}
	delete(s.errs, symbol)
}

// Fail makes lookups of symbol return err.
func (s *Static) Fail(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[models.NormalizeSymbol(symbol)] = err
}

// Calls reports how many lookups symbol has received.
func (s *Static) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[models.NormalizeSymbol(symbol)]
}

func (s *Static) GetPrice(ctx context.Context, symbol string) (models.PriceQuote, error) {
	symbol = models.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++

	if err := ctx.Err(); err != nil {
		return models.PriceQuote{}, unavailable(symbol, ReasonTransport, err)
	}
	if err, ok := s.errs[symbol]; ok {
		return models.PriceQuote{}, unavailable(symbol, ReasonUpstream, err)
	}
	quote, ok := s.quotes[symbol]
	if !ok {
		return models.PriceQuote{}, unavailable(symbol, ReasonNotFound, nil)
	}
	quote.ObservedAt = s.now()
	return quote, nil
}

func (s *Static) GetPrices(ctx context.Context, symbols []string) map[string]models.PriceQuote {
	return FetchAll(ctx, s.GetPrice, symbols, 0)
}
