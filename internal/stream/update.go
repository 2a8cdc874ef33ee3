package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pricealerts/internal/models"
	"pricealerts/internal/pricefeed"

	"github.com/shopspring/decimal"
)

// PriceUpdate is the normalized trade published on the price.updates topic.
type PriceUpdate struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Open24h   decimal.Decimal `json:"open_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// BaseSymbol strips the quote currency from a product id: BTC-USD -> BTC.
func BaseSymbol(product string) string {
	base, _, _ := strings.Cut(product, "-")
	return models.NormalizeSymbol(base)
}

// Tick converts the update into what the tick store keeps.
func (u PriceUpdate) Tick() pricefeed.Tick {
	return pricefeed.Tick{
		Symbol:     BaseSymbol(u.Symbol),
		Price:      u.Price,
		Open24h:    u.Open24h,
		ObservedAt: u.Timestamp,
		Exchange:   u.Exchange,
	}
}

func (u PriceUpdate) Validate() error {
	if u.Symbol == "" {
		return fmt.Errorf("price update: missing symbol")
	}
	if !u.Price.IsPositive() {
		return fmt.Errorf("price update %s: non-positive price %s", u.Symbol, u.Price)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("price update %s: missing timestamp", u.Symbol)
	}
	return nil
}

func EncodeUpdate(u PriceUpdate) ([]byte, error) {
	return json.Marshal(u)
}

func DecodeUpdate(b []byte) (PriceUpdate, error) {
	var u PriceUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return PriceUpdate{}, fmt.Errorf("decode price update: %w", err)
	}
	if err := u.Validate(); err != nil {
		return PriceUpdate{}, err
	}
	return u, nil
}
