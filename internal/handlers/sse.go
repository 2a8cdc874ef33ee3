package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// Hub fans browser notifications out to the SSE connections of their user.
// It satisfies notify.Publisher so the browser channel can publish to it
// directly when no Redis is configured.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]map[chan notify.BrowserMessage]struct{}
	heartbeat time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]map[chan notify.BrowserMessage]struct{}),
		heartbeat: heartbeatInterval,
	}
}

// Publish decodes a BrowserMessage and delivers it to the owner's streams.
func (h *Hub) Publish(_ context.Context, _ string, message []byte) error {
	var msg notify.BrowserMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return err
	}
	h.broadcast(msg)
	return nil
}

// Clients reports how many streams are open for userID.
func (h *Hub) Clients(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

func (h *Hub) subscribe(userID string) chan notify.BrowserMessage {
	ch := make(chan notify.BrowserMessage, 10)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan notify.BrowserMessage]struct{})
	}
	h.clients[userID][ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(userID string, ch chan notify.BrowserMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], ch)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) broadcast(msg notify.BrowserMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	streams := h.clients[msg.UserID]
	if len(streams) == 0 {
		logger.Log.Debug("No SSE clients for user, dropping message", zap.String("user_id", msg.UserID))
		return
	}
	for ch := range streams {
		select {
		case ch <- msg:
		default:
			logger.Log.Warn("Alert dropped due to slow client", zap.String("user_id", msg.UserID))
		}
	}
}

// MessageSource yields pub/sub messages, normally a cache.Subscriber.
type MessageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

// RunRelay forwards messages published on Redis to local streams until ctx
// is done. Every instance runs one, so a notification published by any
// instance reaches the browser wherever it is connected.
func (h *Hub) RunRelay(ctx context.Context, source MessageSource) {
	logger.Log.Info("Starting to relay browser notifications from Redis")
	for {
		msg, err := source.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := h.Publish(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
			logger.Log.Error("Error unmarshaling browser message", zap.Error(err))
		}
	}
}

// StreamAlerts holds an SSE connection open and pushes the user's browser
// notifications as they arrive.
func (h *Handler) StreamAlerts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "User ID is required")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	ch := h.hub.subscribe(userID)
	defer h.hub.unsubscribe(userID, ch)
	logger.Log.Info("New SSE client connected", zap.String("user_id", userID))

	c.SSEvent("connected", gin.H{"user_id": userID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.hub.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("SSE client disconnected", zap.String("user_id", userID))
			return
		case msg := <-ch:
			c.SSEvent("notification", msg)
			c.Writer.Flush()
		case t := <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": t.UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}
