package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pricealerts/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// SubscriptionMessage is the Coinbase websocket subscribe request.
type SubscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// TickerMessage is one Coinbase ticker event.
type TickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	Time      string `json:"time"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ParseTicker decodes a raw websocket frame. ok is false for frames that
// carry no price, such as subscription acknowledgements.
func ParseTicker(raw []byte) (update PriceUpdate, ok bool, err error) {
	var msg TickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PriceUpdate{}, false, fmt.Errorf("parse ticker: %w", err)
	}
	switch msg.Type {
	case "ticker":
	case "error":
		return PriceUpdate{}, false, fmt.Errorf("coinbase error: %s %s", msg.Message, msg.Reason)
	default:
		return PriceUpdate{}, false, nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return PriceUpdate{}, false, fmt.Errorf("parse ticker price %q: %w", msg.Price, err)
	}
	var open decimal.Decimal
	if msg.Open24h != "" {
		if open, err = decimal.NewFromString(msg.Open24h); err != nil {
			return PriceUpdate{}, false, fmt.Errorf("parse ticker open_24h %q: %w", msg.Open24h, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		return PriceUpdate{}, false, fmt.Errorf("parse ticker time %q: %w", msg.Time, err)
	}

	return PriceUpdate{
		Exchange:  "coinbase",
		Symbol:    msg.ProductID,
		Price:     price,
		Open24h:   open,
		Timestamp: ts,
	}, true, nil
}

// nextBackoff doubles d up to maxBackoff.
func nextBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Feed streams ticker updates from the Coinbase websocket.
type Feed struct {
	url      string
	products []string
	dialer   *websocket.Dialer
	backoff  time.Duration
}

func NewFeed(url string, products []string) *Feed {
	return &Feed{url: url, products: products, dialer: websocket.DefaultDialer, backoff: minBackoff}
}

// Run reads updates and hands each to handle until ctx is done, reconnecting
// with exponential backoff whenever the connection drops.
func (f *Feed) Run(ctx context.Context, handle func(context.Context, PriceUpdate) error) error {
	backoff := f.backoff
	for {
		connected, err := f.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = f.backoff
		}
		logger.Log.Warn("WebSocket session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// session runs one connection. connected reports whether the subscription
// succeeded, which resets the backoff.
func (f *Feed) session(ctx context.Context, handle func(context.Context, PriceUpdate) error) (connected bool, err error) {
	logger.Log.Info("Connecting to Coinbase WebSocket", zap.String("url", f.url))
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(SubscriptionMessage{
		Type:       "subscribe",
		ProductIDs: f.products,
		Channels:   []string{"ticker"},
	}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	logger.Log.Info("Subscribed to ticker channel", zap.Strings("products", f.products))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		update, ok, err := ParseTicker(raw)
		if err != nil {
			logger.Log.Warn("Skipping websocket frame", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := handle(ctx, update); err != nil {
			logger.Log.Error("Failed to handle price update",
				zap.String("symbol", update.Symbol),
				zap.Error(err),
			)
		}
	}
}
