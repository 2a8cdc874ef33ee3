package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// NotificationEvent is built once per trigger and handed to the dispatcher.
type NotificationEvent struct {
	Alert           Alert   `json:"alert"`
	TriggeringPrice float64 `json:"triggering_price"`
	User            User    `json:"user"`
	Title           string  `json:"title"`
	Body            string  `json:"body"`
}

// NewNotificationEvent renders the message for a triggered alert.
func NewNotificationEvent(alert *Alert, user *User, quote PriceQuote) NotificationEvent {
	title, body := AlertMessage(alert, quote)
	return NotificationEvent{
		Alert:           *alert.Clone(),
		TriggeringPrice: quote.Price,
		User:            *user.Clone(),
		Title:           title,
		Body:            body,
	}
}

// AlertMessage renders the title and body shown to the user.
func AlertMessage(alert *Alert, quote PriceQuote) (string, string) {
	if alert.Kind == KindTrendSignal {
		signal := alert.TrendSignal
		if signal == "" {
			signal = TrendNeutral
		}
		emoji := "📈"
		if signal == TrendBearish {
			emoji = "📉"
		}
		title := fmt.Sprintf("%s %s Trend Signal", emoji, alert.Symbol)
		change := 0.0
		if quote.ChangePercent24h != nil {
			change = *quote.ChangePercent24h
		}
		body := fmt.Sprintf("%s signal detected (%+.2f%% 24h change). Current price: $%s",
			strings.ToUpper(string(signal)), change, FormatUSD(quote.Price))
		return title, body
	}

	verb := "risen above"
	if alert.Direction == DirectionBelow {
		verb = "fallen below"
	}
	threshold := 0.0
	if alert.ThresholdValue != nil {
		threshold = *alert.ThresholdValue
	}
	title := fmt.Sprintf("🚨 %s Price Alert", alert.Symbol)
	body := fmt.Sprintf("%s has %s your target of $%s. Current price: $%s",
		alert.Symbol, verb, FormatUSD(threshold), FormatUSD(quote.Price))
	return title, body
}

// FormatUSD renders an amount with thousands separators and two decimals.
func FormatUSD(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.00"
	}
	s := decimal.NewFromFloat(v).StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}
