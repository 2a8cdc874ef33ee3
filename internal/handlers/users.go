package handlers

import (
	"errors"
	"net/http"
	"strings"

	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type AuthRequest struct {
	WalletAddress string `json:"wallet_address"`
	TelegramID    string `json:"telegram_id,omitempty"`
}

// Auth gets or creates the user behind a wallet address. An existing user
// answers 200, a new one 201.
func (h *Handler) Auth(c *gin.Context) {
	ctx, span := h.span(c, "Auth")
	defer span.End()

	var req AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		badRequest(c, "Wallet address is required")
		return
	}
	userID := models.UserIDFromWallet(req.WalletAddress)
	span.SetAttributes(attribute.String("user_id", userID))

	existing, err := h.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		if req.TelegramID != "" && existing.Destination(models.ChannelTelegram) != req.TelegramID {
			existing, err = h.store.UpdateUser(ctx, userID, database.UserPatch{TelegramChatID: &req.TelegramID})
			if err != nil {
				h.fail(c, span, err, "Failed to update user")
				return
			}
		}
		c.JSON(http.StatusOK, Response{Message: "User authenticated successfully", Data: existing})
		return
	case !errors.Is(err, database.ErrUserNotFound):
		h.fail(c, span, err, "Authentication failed")
		return
	}

	created, err := h.store.CreateUser(ctx, models.NewUser(userID, req.TelegramID, h.now().UTC()))
	if errors.Is(err, database.ErrUserExists) {
		// lost a race with a concurrent sign-in
		if existing, err = h.store.GetUser(ctx, userID); err == nil {
			c.JSON(http.StatusOK, Response{Message: "User authenticated successfully", Data: existing})
			return
		}
	}
	if err != nil {
		h.fail(c, span, err, "Authentication failed")
		return
	}

	logger.Log.Info("User created", zap.String("user_id", userID))
	c.JSON(http.StatusCreated, Response{Message: "User created successfully", Data: created})
}

func (h *Handler) GetUser(c *gin.Context) {
	ctx, span := h.span(c, "GetUser")
	defer span.End()

	user, err := h.store.GetUser(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, span, err, "Failed to fetch user")
		return
	}
	c.JSON(http.StatusOK, Response{Message: "User retrieved successfully", Data: user})
}

// UpdateUser applies a partial update. Switching to premium lifts the quota,
// switching back to free restores the default slots.
func (h *Handler) UpdateUser(c *gin.Context) {
	ctx, span := h.span(c, "UpdateUser")
	defer span.End()

	var patch database.UserPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.bindError(c, span, err)
		return
	}

	user, err := h.store.UpdateUser(ctx, c.Param("id"), patch)
	if err != nil {
		h.fail(c, span, err, "Failed to update user")
		return
	}
	c.JSON(http.StatusOK, Response{Message: "User updated successfully", Data: user})
}
