package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification attempts by channel and outcome",
	},
	[]string{"channel", "status"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// DeliveryStatus is the outcome of one channel attempt.
type DeliveryStatus string

const (
	StatusDelivered     DeliveryStatus = "delivered"
	StatusFailed        DeliveryStatus = "failed"
	StatusNotConfigured DeliveryStatus = "not_configured"
)

// ChannelResult reports what happened on one channel.
type ChannelResult struct {
	Channel models.ChannelKind `json:"channel"`
	Status  DeliveryStatus     `json:"status"`
	Success bool               `json:"success"`
	Reason  string             `json:"reason,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// DirectRequest is an explicit send outside of alert evaluation.
type DirectRequest struct {
	UserID         string            `json:"user_id"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Channels       models.ChannelSet `json:"channels"`
	TelegramChatID string            `json:"telegram_chat_id,omitempty"`
	AlertID        string            `json:"alert_id,omitempty"`
}

// Validate checks the required fields.
func (r *DirectRequest) Validate() error {
	switch {
	case r.UserID == "":
		return &models.ValidationError{Field: "user_id", Message: "is required"}
	case r.Title == "":
		return &models.ValidationError{Field: "title", Message: "is required"}
	case r.Message == "":
		return &models.ValidationError{Field: "message", Message: "is required"}
	case len(r.Channels) == 0:
		return &models.ValidationError{Field: "channels", Message: "at least one channel is required"}
	}
	for _, kind := range r.Channels {
		if _, err := models.ParseChannelKind(string(kind)); err != nil {
			return err
		}
	}
	return nil
}

type delivery struct {
	kind models.ChannelKind
	msg  Message
}

// Dispatcher fans a notification out to the channels a user enabled. Each
// channel call is bounded by timeout and failures never affect other
// channels.
type Dispatcher struct {
	channels map[models.ChannelKind]Channel
	timeout  time.Duration
}

func NewDispatcher(timeout time.Duration, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[models.ChannelKind]Channel, len(channels)),
		timeout:  timeout,
	}
	for _, ch := range channels {
		d.channels[ch.Kind()] = ch
	}
	return d
}

// Channel returns the registered implementation for kind.
func (d *Dispatcher) Channel(kind models.ChannelKind) (Channel, bool) {
	ch, ok := d.channels[kind]
	return ch, ok
}

// Dispatch delivers a triggered alert to every channel in both the user's
// preferences and the alert's enabled channels.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.NotificationEvent) []ChannelResult {
	ctx, span := tracing.Tracer().Start(ctx, "Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("alert_id", event.Alert.ID),
		attribute.String("user_id", event.User.ID),
	)

	kinds := event.User.NotificationPreferences.Intersect(event.Alert.EnabledChannels)
	deliveries := make([]delivery, 0, len(kinds))
	for _, kind := range kinds {
		deliveries = append(deliveries, delivery{
			kind: kind,
			msg: Message{
				Destination: event.User.Destination(kind),
				Title:       event.Title,
				Body:        event.Body,
				AlertID:     event.Alert.ID,
				Symbol:      event.Alert.Symbol,
				Kind:        event.Alert.Kind,
				Price:       event.TriggeringPrice,
			},
		})
	}

	results := d.deliver(ctx, deliveries)
	for _, r := range results {
		fields := []zap.Field{
			zap.String("alert_id", event.Alert.ID),
			zap.String("user_id", event.User.ID),
			zap.String("channel", string(r.Channel)),
			zap.String("status", string(r.Status)),
		}
		if r.Status == StatusFailed {
			logger.Log.Warn("Notification delivery failed", append(fields, zap.String("reason", r.Reason), zap.String("error", r.Error))...)
		} else {
			logger.Log.Info("Notification dispatched", fields...)
		}
	}
	return results
}

// Send delivers an explicit notification. The telegram destination is taken
// from the request, falling back to the user's contact handle when a user is
// known.
func (d *Dispatcher) Send(ctx context.Context, user *models.User, req DirectRequest) []ChannelResult {
	ctx, span := tracing.Tracer().Start(ctx, "SendNotification")
	defer span.End()

	deliveries := make([]delivery, 0, len(req.Channels))
	for _, kind := range req.Channels.Normalize() {
		dest := req.UserID
		if kind == models.ChannelTelegram {
			dest = req.TelegramChatID
			if dest == "" && user != nil {
				dest = user.Destination(models.ChannelTelegram)
			}
		}
		deliveries = append(deliveries, delivery{
			kind: kind,
			msg: Message{
				Destination: dest,
				Title:       req.Title,
				Body:        req.Message,
				AlertID:     req.AlertID,
			},
		})
	}

	results := d.deliver(ctx, deliveries)
	logger.Log.Info("Direct notification sent",
		zap.String("user_id", req.UserID),
		zap.String("alert_id", req.AlertID),
		zap.Strings("channels", req.Channels.Strings()),
	)
	return results
}

// deliver runs every delivery concurrently and returns results in input
// order.
func (d *Dispatcher) deliver(ctx context.Context, deliveries []delivery) []ChannelResult {
	results := make([]ChannelResult, len(deliveries))
	var wg sync.WaitGroup
	for i, dl := range deliveries {
		ch, ok := d.channels[dl.kind]
		if !ok || dl.msg.Destination == "" {
			results[i] = ChannelResult{Channel: dl.kind, Status: StatusNotConfigured}
			notificationsTotal.WithLabelValues(string(dl.kind), string(StatusNotConfigured)).Inc()
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel, dl delivery) {
			defer wg.Done()
			results[i] = d.await(ctx, ch, dl)
		}(i, ch, dl)
	}
	wg.Wait()
	return results
}

// await bounds one channel call by the dispatcher timeout. A channel that
// ignores its context is abandoned at the deadline and reported as failed;
// its late outcome is discarded.
func (d *Dispatcher) await(ctx context.Context, ch Channel, dl delivery) (result ChannelResult) {
	defer func() {
		notificationsTotal.WithLabelValues(string(dl.kind), string(result.Status)).Inc()
	}()

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	defer cancel()

	done := make(chan ChannelResult, 1)
	go func() {
		done <- d.sendOne(callCtx, ch, dl)
	}()

	select {
	case result = <-done:
		return result
	case <-callCtx.Done():
		logger.Log.Warn("Notification channel did not return before deadline",
			zap.String("channel", string(dl.kind)),
			zap.String("alert_id", dl.msg.AlertID),
			zap.Error(callCtx.Err()),
		)
		return ChannelResult{
			Channel: dl.kind,
			Status:  StatusFailed,
			Reason:  ReasonTransport,
			Error:   callCtx.Err().Error(),
		}
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, dl delivery) (result ChannelResult) {
	result = ChannelResult{Channel: dl.kind}
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Notification channel panicked",
				zap.String("channel", string(dl.kind)),
				zap.Any("panic", r),
			)
			result = ChannelResult{Channel: dl.kind, Status: StatusFailed, Reason: ReasonUpstream, Error: "channel panicked"}
		}
	}()

	if err := ch.Send(ctx, dl.msg); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		var chErr *ChannelError
		switch {
		case errors.As(err, &chErr):
			result.Reason = chErr.Reason
		case errors.Is(err, context.DeadlineExceeded):
			result.Reason = ReasonTransport
		default:
			result.Reason = ReasonUpstream
		}
		return result
	}
	result.Status = StatusDelivered
	result.Success = true
	return result
}
