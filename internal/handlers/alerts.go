package handlers

import (
	"net/http"

	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CreateAlertRequest struct {
	UserID          string            `json:"user_id"`
	Symbol          string            `json:"symbol"`
	Kind            models.AlertKind  `json:"kind"`
	ThresholdValue  *float64          `json:"threshold_value,omitempty"`
	Direction       models.Direction  `json:"direction,omitempty"`
	EnabledChannels models.ChannelSet `json:"enabled_channels"`
}

// ListAlerts returns the alerts of one user, newest first.
func (h *Handler) ListAlerts(c *gin.Context) {
	ctx, span := h.span(c, "ListAlerts")
	defer span.End()

	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "User ID is required")
		return
	}
	span.SetAttributes(attribute.String("user_id", userID))

	alerts, err := h.store.ListAlertsByUser(ctx, userID)
	if err != nil {
		h.fail(c, span, err, "Failed to fetch alerts")
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	c.JSON(http.StatusOK, Response{Message: "Alerts retrieved successfully", Data: alerts})
}

// CreateAlert validates and stores a new alert, subject to the owner's quota.
func (h *Handler) CreateAlert(c *gin.Context) {
	ctx, span := h.span(c, "CreateAlert")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Log.Warn("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		h.bindError(c, span, err)
		return
	}
	if req.UserID == "" {
		badRequest(c, "Missing required field: user_id")
		return
	}

	alert, err := h.store.CreateAlert(ctx, &models.Alert{
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		Kind:            req.Kind,
		ThresholdValue:  req.ThresholdValue,
		Direction:       req.Direction,
		EnabledChannels: req.EnabledChannels,
	})
	if err != nil {
		h.fail(c, span, err, "Failed to create alert")
		return
	}

	logger.Log.Info("Alert created",
		zap.String("trace_id", traceID),
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("symbol", alert.Symbol),
	)
	c.JSON(http.StatusCreated, Response{Message: "Alert created successfully", Data: alert})
}

func (h *Handler) GetAlert(c *gin.Context) {
	ctx, span := h.span(c, "GetAlert")
	defer span.End()

	alert, err := h.store.GetAlert(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, span, err, "Failed to fetch alert")
		return
	}
	c.JSON(http.StatusOK, Response{Message: "Alert retrieved successfully", Data: alert})
}

// UpdateAlert applies a partial update. Status changes follow the allowed
// transitions and reactivation is checked against the quota.
func (h *Handler) UpdateAlert(c *gin.Context) {
	ctx, span := h.span(c, "UpdateAlert")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("alert_id", id))

	var patch database.AlertPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.bindError(c, span, err)
		return
	}

	alert, err := h.store.UpdateAlert(ctx, id, patch)
	if err != nil {
		h.fail(c, span, err, "Failed to update alert")
		return
	}

	logger.Log.Info("Alert updated",
		zap.String("alert_id", alert.ID),
		zap.String("status", string(alert.Status)),
	)
	c.JSON(http.StatusOK, Response{Message: "Alert updated successfully", Data: alert})
}

func (h *Handler) DeleteAlert(c *gin.Context) {
	ctx, span := h.span(c, "DeleteAlert")
	defer span.End()

	id := c.Param("id")
	deleted, err := h.store.DeleteAlert(ctx, id)
	if err != nil {
		h.fail(c, span, err, "Failed to delete alert")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": database.ErrNotFound.Error()})
		return
	}

	logger.Log.Info("Alert deleted", zap.String("alert_id", id))
	c.JSON(http.StatusOK, Response{Message: "Alert deleted successfully"})
}
