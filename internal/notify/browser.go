package notify

import (
	"context"
	"encoding/json"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"go.uber.org/zap"
)

// Publisher hands a payload to whatever fans it out to browsers: Redis
// pub/sub or the in-process SSE hub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// BrowserMessage is the payload pushed to connected browsers.
type BrowserMessage struct {
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Type    string    `json:"type"`
	AlertID string    `json:"alert_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Price   float64   `json:"price,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Browser publishes notifications for client-side display. Display happens in
// the browser, so server-side delivery counts as successful once published or
// attempted.
type Browser struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

func NewBrowser(publisher Publisher, topic string) *Browser {
	return &Browser{publisher: publisher, topic: topic, now: time.Now}
}

func (b *Browser) Kind() models.ChannelKind {
	return models.ChannelBrowser
}

func (b *Browser) Send(ctx context.Context, msg Message) error {
	kind := "notification"
	if msg.Kind != "" {
		kind = string(msg.Kind)
	}
	payload, err := json.Marshal(BrowserMessage{
		UserID:  msg.Destination,
		Title:   msg.Title,
		Body:    msg.Body,
		Type:    kind,
		AlertID: msg.AlertID,
		Symbol:  msg.Symbol,
		Price:   msg.Price,
		SentAt:  b.now().UTC(),
	})
	if err != nil {
		logger.Log.Error("Failed to encode browser notification", zap.Error(err))
		return nil
	}
	if b.publisher == nil {
		return nil
	}
	if err := b.publisher.Publish(ctx, b.topic, payload); err != nil {
		logger.Log.Warn("Failed to publish browser notification",
			zap.String("user_id", msg.Destination),
			zap.String("alert_id", msg.AlertID),
			zap.Error(err),
		)
	}
	return nil
}
