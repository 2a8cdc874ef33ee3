package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pricealerts/internal/database"
	"pricealerts/internal/evaluator"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/pricefeed"
	"pricealerts/internal/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Evaluator runs one evaluation cycle on demand.
type Evaluator interface {
	RunCycle(ctx context.Context) evaluator.Report
}

// Notifier sends explicit notifications and exposes the registered channels.
type Notifier interface {
	Send(ctx context.Context, user *models.User, req notify.DirectRequest) []notify.ChannelResult
	Channel(kind models.ChannelKind) (notify.Channel, bool)
}

// Options wires a Handler.
type Options struct {
	Store      database.Store
	Prices     pricefeed.Source
	Evaluator  Evaluator
	Notifier   Notifier
	Hub        *Hub
	CronSecret string
	Instance   string
	// HealthCheck pings the backing store. Nil means nothing to ping.
	HealthCheck func(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	store       database.Store
	prices      pricefeed.Source
	evaluator   Evaluator
	notifier    Notifier
	hub         *Hub
	cronSecret  string
	instance    string
	healthCheck func(ctx context.Context) error
	started     time.Time
	now         func() time.Time
}

func NewHandler(opts Options) *Handler {
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Handler{
		store:       opts.Store,
		prices:      opts.Prices,
		evaluator:   opts.Evaluator,
		notifier:    opts.Notifier,
		hub:         hub,
		cronSecret:  opts.CronSecret,
		instance:    opts.Instance,
		healthCheck: opts.HealthCheck,
		started:     time.Now(),
		now:         time.Now,
	}
}

func (h *Handler) span(c *gin.Context, name string) (context.Context, trace.Span) {
	return tracing.Tracer().Start(c.Request.Context(), name)
}

// fail maps a domain error to its status code and writes the error body.
func (h *Handler) fail(c *gin.Context, span trace.Span, err error, msg string) {
	traceID := span.SpanContext().TraceID().String()

	var vErr *models.ValidationError
	var qErr *database.QuotaError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.As(err, &qErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "Alert limit reached. Upgrade to premium for unlimited alerts.",
			"current": qErr.Current,
			"max":     qErr.Max,
		})
	case errors.Is(err, database.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Log.Error(msg,
			zap.String("trace_id", traceID),
			zap.String("instance", h.instance),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}
	logger.Log.Info("Request rejected",
		zap.String("trace_id", traceID),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// bindError reports a body that failed to decode. Enum fields fail with a
// ValidationError naming the field.
func (h *Handler) bindError(c *gin.Context, span trace.Span, err error) {
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		h.fail(c, span, vErr, "Invalid request body")
		return
	}
	badRequest(c, "Invalid request body")
}

// Health reports liveness plus the state of the backing store.
func (h *Handler) Health(c *gin.Context) {
	status, code, store := "healthy", http.StatusOK, "not_configured"
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			logger.Log.Warn("Health check failed", zap.Error(err))
			status, code, store = "unhealthy", http.StatusServiceUnavailable, "unhealthy"
		} else {
			store = "healthy"
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Seconds(),
		"instance":  h.instance,
		"checks":    gin.H{"database": store, "api": "healthy"},
	})
}
