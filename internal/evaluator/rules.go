package evaluator

import (
	"pricealerts/internal/models"

	"github.com/shopspring/decimal"
)

// PriceTargetMet reports whether price has reached threshold in the given
// direction. Both bounds are inclusive.
func PriceTargetMet(direction models.Direction, threshold, price float64) bool {
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(threshold)
	switch direction {
	case models.DirectionAbove:
		return p.GreaterThanOrEqual(t)
	case models.DirectionBelow:
		return p.LessThanOrEqual(t)
	}
	return false
}

// TrendPredicate classifies a quote. ok is false when the quote carries no
// data to classify.
type TrendPredicate interface {
	Signal(quote models.PriceQuote) (signal models.TrendSignal, ok bool)
}

// ChangeThreshold classifies by 24h percent change: above +N is bullish,
// below -N is bearish, anything else neutral.
type ChangeThreshold float64

// DefaultTrend is the ±2% heuristic.
const DefaultTrend ChangeThreshold = 2.0

func (c ChangeThreshold) Signal(quote models.PriceQuote) (models.TrendSignal, bool) {
	if quote.ChangePercent24h == nil {
		return "", false
	}
	change := decimal.NewFromFloat(*quote.ChangePercent24h)
	limit := decimal.NewFromFloat(float64(c))
	switch {
	case change.GreaterThan(limit):
		return models.TrendBullish, true
	case change.LessThan(limit.Neg()):
		return models.TrendBearish, true
	}
	return models.TrendNeutral, true
}

// Decide returns whether alert fires for quote and, for trend alerts, the
// signal that was observed.
func Decide(alert *models.Alert, quote models.PriceQuote, trend TrendPredicate) (bool, models.TrendSignal) {
	if !alert.IsActive() {
		return false, ""
	}
	switch alert.Kind {
	case models.KindPriceTarget:
		if alert.ThresholdValue == nil {
			return false, ""
		}
		return PriceTargetMet(alert.Direction, *alert.ThresholdValue, quote.Price), ""
	case models.KindTrendSignal:
		signal, ok := trend.Signal(quote)
		if !ok {
			return false, ""
		}
		return signal != models.TrendNeutral, signal
	}
	return false, ""
}
