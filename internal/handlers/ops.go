package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/pricefeed"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CronSecretHeader carries the shared secret for POST /evaluate.
const CronSecretHeader = "X-Cron-Secret"

// authorizedCron compares the supplied secret in constant time. An empty
// configured secret rejects every call.
func (h *Handler) authorizedCron(c *gin.Context) bool {
	if h.cronSecret == "" {
		return false
	}
	got := c.GetHeader(CronSecretHeader)
	if got == "" {
		got = c.Query("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cronSecret)) == 1
}

// Evaluate runs one evaluation cycle on demand. Failures inside the cycle are
// reported in the summary rather than as an error status.
func (h *Handler) Evaluate(c *gin.Context) {
	ctx, span := h.span(c, "Evaluate")
	defer span.End()

	if !h.authorizedCron(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	report := h.evaluator.RunCycle(ctx)
	if report.Err != nil {
		logger.Log.Error("On-demand evaluation could not list alerts", zap.Error(report.Err))
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          report.Err == nil,
		"scanned":          report.Scanned,
		"symbols":          report.Symbols,
		"triggered":        report.Triggered,
		"symbols_failed":   report.SymbolsFailed,
		"persist_failed":   report.PersistFailed,
		"triggered_alerts": report.TriggeredAlerts,
		"timestamp":        report.StartedAt.UTC(),
	})
}

// SendNotification delivers an explicit notification on the requested
// channels and returns one result per channel.
func (h *Handler) SendNotification(c *gin.Context) {
	ctx, span := h.span(c, "SendNotification")
	defer span.End()

	var req notify.DirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, span, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, span, err, "Invalid notification request")
		return
	}
	span.SetAttributes(attribute.String("user_id", req.UserID))

	// the user record is optional here; an explicit chat id is enough
	user, err := h.store.GetUser(ctx, req.UserID)
	if err != nil && !errors.Is(err, database.ErrUserNotFound) {
		h.fail(c, span, err, "Failed to send notification")
		return
	}

	results := h.notifier.Send(ctx, user, req)
	c.JSON(http.StatusOK, Response{Message: "Notification processed", Data: results})
}

type botChecker interface {
	Check(ctx context.Context) (*notify.BotInfo, error)
}

// TestNotification checks a channel's credentials without sending anything.
func (h *Handler) TestNotification(c *gin.Context) {
	ctx, span := h.span(c, "TestNotification")
	defer span.End()

	kind, err := models.ParseChannelKind(c.DefaultQuery("channel", string(models.ChannelTelegram)))
	if err != nil {
		h.fail(c, span, err, "Invalid channel")
		return
	}
	ch, ok := h.notifier.Channel(kind)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"channel": kind, "configured": false})
		return
	}
	checker, ok := ch.(botChecker)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"channel": kind, "configured": true})
		return
	}

	info, err := checker.Check(ctx)
	if err != nil {
		logger.Log.Warn("Channel check failed", zap.String("channel", string(kind)), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"channel": kind, "configured": !errors.Is(err, notify.ErrBotTokenMissing), "ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": kind, "configured": true, "ok": true, "bot": info})
}

// GetPrice returns the current quote for one symbol.
func (h *Handler) GetPrice(c *gin.Context) {
	ctx, span := h.span(c, "GetPrice")
	defer span.End()

	symbol := models.NormalizeSymbol(c.Param("symbol"))
	span.SetAttributes(attribute.String("symbol", symbol))

	quote, err := h.prices.GetPrice(ctx, symbol)
	if err != nil {
		var uErr *pricefeed.UnavailableError
		if errors.As(err, &uErr) && uErr.Reason == pricefeed.ReasonNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "symbol not found", "symbol": symbol})
			return
		}
		logger.Log.Warn("Price lookup failed", zap.String("symbol", symbol), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "price unavailable", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, Response{Message: "Price retrieved successfully", Data: quote})
}

// GetPrices returns quotes for a comma separated symbols list. Symbols that
// could not be priced are left out.
func (h *Handler) GetPrices(c *gin.Context) {
	ctx, span := h.span(c, "GetPrices")
	defer span.End()

	var symbols []string
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = models.NormalizeSymbol(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		badRequest(c, "symbols is required")
		return
	}

	quotes := h.prices.GetPrices(ctx, symbols)
	c.JSON(http.StatusOK, Response{Message: "Prices retrieved successfully", Data: quotes})
}
