package evaluator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/pricefeed"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evaluation_cycles_total",
		Help: "Total number of alert evaluation cycles",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "evaluation_cycle_duration_seconds",
		Help:    "Duration of alert evaluation cycles",
		Buckets: prometheus.DefBuckets,
	})
	alertsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_triggered_total",
			Help: "Alerts moved to triggered by the evaluator",
		},
		[]string{"kind"},
	)
	priceLookupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_lookup_failures_total",
			Help: "Price lookups that failed or returned stale data",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleDuration, alertsTriggeredTotal, priceLookupFailures)
}

// Dispatcher delivers the notification for a triggered alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.NotificationEvent) []notify.ChannelResult
}

// Options tunes a cycle.
type Options struct {
	PriceTimeout time.Duration
	Concurrency  int
	MaxQuoteAge  time.Duration
	Trend        TrendPredicate
}

// TriggeredAlert describes one alert fired during a cycle.
type TriggeredAlert struct {
	AlertID       string                 `json:"alert_id"`
	UserID        string                 `json:"user_id"`
	Symbol        string                 `json:"symbol"`
	Kind          models.AlertKind       `json:"kind"`
	Price         float64                `json:"price"`
	Threshold     *float64               `json:"threshold_value,omitempty"`
	Direction     models.Direction       `json:"direction,omitempty"`
	TrendSignal   models.TrendSignal     `json:"trend_signal,omitempty"`
	Notifications []notify.ChannelResult `json:"notifications"`
}

// Report summarizes a cycle.
type Report struct {
	Scanned         int              `json:"scanned"`
	Symbols         int              `json:"symbols"`
	Triggered       int              `json:"triggered"`
	SymbolsFailed   []string         `json:"symbols_failed"`
	PersistFailed   int              `json:"persist_failed"`
	TriggeredAlerts []TriggeredAlert `json:"triggered_alerts"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration_ns"`
	Err             error            `json:"-"`
}

// Evaluator runs evaluation cycles over the active alerts.
type Evaluator struct {
	store      database.Store
	prices     pricefeed.Source
	dispatcher Dispatcher
	opts       Options
	now        func() time.Time
}

func New(store database.Store, prices pricefeed.Source, dispatcher Dispatcher, opts Options) *Evaluator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Trend == nil {
		opts.Trend = DefaultTrend
	}
	return &Evaluator{
		store:      store,
		prices:     prices,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
	}
}

func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// RunCycle evaluates every active alert once. Per-symbol lookup failures and
// per-alert persistence failures are recorded in the report and never stop
// the rest of the cycle.
func (e *Evaluator) RunCycle(ctx context.Context) Report {
	ctx, span := tracing.Tracer().Start(ctx, "RunCycle")
	defer span.End()

	report := Report{
		StartedAt:       e.now(),
		SymbolsFailed:   []string{},
		TriggeredAlerts: []TriggeredAlert{},
	}
	defer func() {
		report.Duration = e.now().Sub(report.StartedAt)
		cyclesTotal.Inc()
		cycleDuration.Observe(report.Duration.Seconds())
		span.SetAttributes(
			attribute.Int("alerts.scanned", report.Scanned),
			attribute.Int("alerts.triggered", report.Triggered),
		)
	}()

	alerts, err := e.store.ListActive(ctx)
	if err != nil {
		logger.Log.Error("Failed to list active alerts", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "list active alerts")
		report.Err = err
		return report
	}

	bySymbol := make(map[string][]*models.Alert)
	for _, a := range alerts {
		if !a.IsActive() {
			continue
		}
		bySymbol[a.Symbol] = append(bySymbol[a.Symbol], a)
		report.Scanned++
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	report.Symbols = len(symbols)

	quotes, failed := e.lookup(ctx, symbols)
	report.SymbolsFailed = failed

	for _, symbol := range symbols {
		quote, ok := quotes[symbol]
		if !ok {
			continue
		}
		for _, alert := range bySymbol[symbol] {
			e.evaluate(ctx, alert, quote, &report)
		}
	}

	logger.Log.Info("Evaluation cycle completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("symbols", report.Symbols),
		zap.Int("triggered", report.Triggered),
		zap.Strings("symbols_failed", report.SymbolsFailed),
		zap.Int("persist_failed", report.PersistFailed),
	)
	return report
}

// lookup fetches one quote per symbol concurrently.
func (e *Evaluator) lookup(ctx context.Context, symbols []string) (map[string]models.PriceQuote, []string) {
	quotes := make(map[string]models.PriceQuote, len(symbols))
	failed := []string{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote, err := e.fetch(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				priceLookupFailures.WithLabelValues(symbol).Inc()
				logger.Log.Warn("Skipping symbol for this cycle",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				failed = append(failed, symbol)
				return nil
			}
			quotes[symbol] = quote
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return quotes, failed
}

func (e *Evaluator) fetch(ctx context.Context, symbol string) (models.PriceQuote, error) {
	if e.opts.PriceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.PriceTimeout)
		defer cancel()
	}
	quote, err := e.prices.GetPrice(ctx, symbol)
	if err != nil {
		return models.PriceQuote{}, err
	}
	if e.opts.MaxQuoteAge > 0 && !quote.ObservedAt.IsZero() && e.now().Sub(quote.ObservedAt) > e.opts.MaxQuoteAge {
		return models.PriceQuote{}, &pricefeed.UnavailableError{Symbol: symbol, Reason: pricefeed.ReasonStale}
	}
	return quote, nil
}

func (e *Evaluator) evaluate(ctx context.Context, alert *models.Alert, quote models.PriceQuote, report *Report) {
	fire, signal := Decide(alert, quote, e.opts.Trend)
	if !fire {
		return
	}

	triggered, err := e.store.TriggerAlert(ctx, alert.ID, database.TriggerUpdate{
		TriggeredAt:   e.now().UTC(),
		Price:         quote.Price,
		PercentChange: quote.ChangePercent24h,
		TrendSignal:   signal,
	})
	switch {
	case errors.Is(err, database.ErrNotActive), errors.Is(err, database.ErrNotFound):
		// another cycle or a user edit got there first
		logger.Log.Debug("Alert no longer active, skipping", zap.String("alert_id", alert.ID))
		return
	case err != nil:
		report.PersistFailed++
		logger.Log.Error("Failed to persist alert trigger",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return
	}

	report.Triggered++
	alertsTriggeredTotal.WithLabelValues(string(triggered.Kind)).Inc()
	logger.Log.Info("Alert triggered",
		zap.String("alert_id", triggered.ID),
		zap.String("user_id", triggered.UserID),
		zap.String("symbol", triggered.Symbol),
		zap.Float64("price", quote.Price),
	)

	entry := TriggeredAlert{
		AlertID:       triggered.ID,
		UserID:        triggered.UserID,
		Symbol:        triggered.Symbol,
		Kind:          triggered.Kind,
		Price:         quote.Price,
		Threshold:     triggered.ThresholdValue,
		Direction:     triggered.Direction,
		TrendSignal:   signal,
		Notifications: []notify.ChannelResult{},
	}

	user, err := e.store.GetUser(ctx, triggered.UserID)
	if err != nil {
		logger.Log.Error("Triggered alert has no deliverable owner",
			zap.String("alert_id", triggered.ID),
			zap.String("user_id", triggered.UserID),
			zap.Error(err),
		)
	} else if e.dispatcher != nil {
		event := models.NewNotificationEvent(triggered, user, quote)
		entry.Notifications = e.dispatcher.Dispatch(ctx, event)
	}
	report.TriggeredAlerts = append(report.TriggeredAlerts, entry)
}
