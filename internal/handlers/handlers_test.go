package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricealerts/internal/database"
	"pricealerts/internal/evaluator"
	"pricealerts/internal/models"
	"pricealerts/internal/notify"
	"pricealerts/internal/pricefeed"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *database.MemoryStore
	prices *pricefeed.Static
	hub    *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := database.NewMemoryStore()
	prices := pricefeed.NewStatic(map[string]float64{"BTC": 65000, "ETH": 3200})
	hub := NewHub()
	dispatcher := notify.NewDispatcher(time.Second, notify.NewBrowser(hub, "price_alerts"))
	eval := evaluator.New(store, prices, dispatcher, evaluator.Options{Concurrency: 2, MaxQuoteAge: time.Minute})

	h := NewHandler(Options{
		Store:      store,
		Prices:     prices,
		Evaluator:  eval,
		Notifier:   dispatcher,
		Hub:        hub,
		CronSecret: "s3cret",
		Instance:   "test",
	})
	return &testServer{router: NewRouter(h), store: store, prices: prices, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Field   string          `json:"field"`
	Current int             `json:"current"`
	Max     int             `json:"max"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func (s *testServer) signIn(t *testing.T, wallet string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth", gin.H{"wallet_address": wallet})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code)
	var user models.User
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &user))
	return user.ID
}

func (s *testServer) createAlert(t *testing.T, userID, symbol string, threshold float64) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/alerts", gin.H{
		"user_id":          userID,
		"symbol":           symbol,
		"kind":             "price_target",
		"threshold_value":  threshold,
		"direction":        "above",
		"enabled_channels": []string{"browser"},
	})
}

func TestAuthGetOrCreate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/auth", gin.H{"wallet_address": "0xABC"})
	assert.Equal(t, http.StatusCreated, w.Code)
	var user models.User
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &user))
	assert.Equal(t, "user_0xabc", user.ID)
	assert.Equal(t, models.FreeAlertSlots, user.AlertSlots)

	w = s.do(t, http.MethodPost, "/auth", gin.H{"wallet_address": "0xabc", "telegram_id": "12345"})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &user))
	assert.Equal(t, "12345", user.Destination(models.ChannelTelegram))

	w = s.do(t, http.MethodPost, "/auth", gin.H{"wallet_address": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserUpdateTier(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")

	w := s.do(t, http.MethodPut, "/users/"+id, gin.H{"subscription_tier": "premium"})
	require.Equal(t, http.StatusOK, w.Code)
	var user models.User
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &user))
	assert.Equal(t, models.TierPremium, user.SubscriptionTier)
	assert.Equal(t, models.UnlimitedSlots, user.AlertSlots)

	w = s.do(t, http.MethodPut, "/users/"+id, gin.H{"subscription_tier": "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")

	w := s.createAlert(t, id, "btc", 70000)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var alert models.Alert
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &alert))
	assert.Equal(t, "BTC", alert.Symbol)
	assert.Equal(t, models.StatusActive, alert.Status)

	w = s.do(t, http.MethodGet, "/alerts?user_id="+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Alert
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	assert.Len(t, list, 1)

	w = s.do(t, http.MethodGet, "/alerts/"+alert.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPut, "/alerts/"+alert.ID, gin.H{"status": "inactive", "threshold_value": 72000})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &alert))
	assert.Equal(t, models.StatusInactive, alert.Status)
	assert.Equal(t, 72000.0, *alert.ThresholdValue)

	w = s.do(t, http.MethodDelete, "/alerts/"+alert.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodDelete, "/alerts/"+alert.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/alerts/"+alert.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAlertValidation(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")

	tests := []struct {
		name  string
		body  gin.H
		code  int
		field string
	}{
		{"unknown kind", gin.H{"user_id": id, "symbol": "BTC", "kind": "volume"}, http.StatusBadRequest, "kind"},
		{"missing threshold", gin.H{"user_id": id, "symbol": "BTC", "kind": "price_target", "direction": "above"}, http.StatusBadRequest, "threshold_value"},
		{"bad direction", gin.H{"user_id": id, "symbol": "BTC", "kind": "price_target", "threshold_value": 1, "direction": "sideways"}, http.StatusBadRequest, "direction"},
		{"bad channel", gin.H{"user_id": id, "symbol": "BTC", "kind": "trend_signal", "enabled_channels": []string{"sms"}}, http.StatusBadRequest, "channel"},
		{"unknown user", gin.H{"user_id": "user_ghost", "symbol": "BTC", "kind": "trend_signal"}, http.StatusNotFound, ""},
		{"missing user", gin.H{"symbol": "BTC", "kind": "trend_signal"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/alerts", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.field != "" {
				assert.Equal(t, tt.field, decode(t, w).Field)
			}
		})
	}
}

func TestCreateAlertQuota(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")

	var first models.Alert
	for i := 0; i < models.FreeAlertSlots; i++ {
		w := s.createAlert(t, id, "BTC", float64(70000+i))
		require.Equal(t, http.StatusCreated, w.Code)
		if i == 0 {
			require.NoError(t, json.Unmarshal(decode(t, w).Data, &first))
		}
	}

	w := s.createAlert(t, id, "BTC", 80000)
	require.Equal(t, http.StatusForbidden, w.Code)
	env := decode(t, w)
	assert.Equal(t, 3, env.Current)
	assert.Equal(t, 3, env.Max)

	w = s.do(t, http.MethodDelete, "/alerts/"+first.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.createAlert(t, id, "BTC", 80000)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestEvaluateRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/evaluate", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/evaluate", nil, CronSecretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/evaluate?secret=s3cret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluateTriggersOnce(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")
	w := s.createAlert(t, id, "BTC", 70000)
	require.Equal(t, http.StatusCreated, w.Code)
	s.prices.Set("BTC", 70000, nil)

	var summary struct {
		Scanned         int                        `json:"scanned"`
		Triggered       int                        `json:"triggered"`
		TriggeredAlerts []evaluator.TriggeredAlert `json:"triggered_alerts"`
	}
	w = s.do(t, http.MethodPost, "/evaluate", nil, CronSecretHeader, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Triggered)
	require.Len(t, summary.TriggeredAlerts, 1)
	assert.Equal(t, notify.StatusDelivered, summary.TriggeredAlerts[0].Notifications[0].Status)

	w = s.do(t, http.MethodPost, "/evaluate", nil, CronSecretHeader, "s3cret")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 0, summary.Triggered)
}

func TestSendNotification(t *testing.T) {
	s := newTestServer(t)
	id := s.signIn(t, "0x1")

	w := s.do(t, http.MethodPost, "/notifications", gin.H{
		"user_id":  id,
		"title":    "Hello",
		"message":  "World",
		"channels": []string{"browser", "telegram"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var results []notify.ChannelResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, notify.StatusDelivered, results[0].Status)
	assert.Equal(t, notify.StatusNotConfigured, results[1].Status)

	w = s.do(t, http.MethodPost, "/notifications", gin.H{"user_id": id, "title": "t", "message": "m"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestNotificationUnconfigured(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/notifications/test?channel=telegram", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"configured":false`)

	w = s.do(t, http.MethodGet, "/notifications/test?channel=pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPrice(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/prices/btc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var quote models.PriceQuote
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &quote))
	assert.Equal(t, 65000.0, quote.Price)

	w = s.do(t, http.MethodGet, "/prices/DOGE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.prices.Fail("ETH", errors.New("boom"))
	w = s.do(t, http.MethodGet, "/prices/ETH", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do(t, http.MethodGet, "/prices?symbols=btc,eth,doge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var quotes map[string]models.PriceQuote
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &quotes))
	assert.Len(t, quotes, 1)
	assert.Contains(t, quotes, "BTC")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestHealthUnhealthyStore(t *testing.T) {
	h := NewHandler(Options{HealthCheck: func(context.Context) error { return errors.New("down") }})
	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type syncRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func TestStreamDeliversOwnNotifications(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/alerts/stream?user_id=user_1", nil).WithContext(ctx)
	rec := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		s.router.ServeHTTP(rec, req)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.hub.Clients("user_1") == 1 }, time.Second, 5*time.Millisecond)

	browser := notify.NewBrowser(s.hub, "price_alerts")
	require.NoError(t, browser.Send(context.Background(), notify.Message{Destination: "user_2", Title: "other", Body: "x"}))
	require.NoError(t, browser.Send(context.Background(), notify.Message{Destination: "user_1", Title: "mine", Body: "BTC up"}))

	require.Eventually(t, func() bool { return strings.Contains(rec.body(), "BTC up") }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.NotContains(t, rec.body(), "other")
	assert.Contains(t, rec.body(), "event:connected")
	assert.Equal(t, 0, s.hub.Clients("user_1"))
}

func TestStreamRequiresUser(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/alerts/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeSource struct {
	messages chan *redis.Message
}

func (f *fakeSource) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	select {
	case m := <-f.messages:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunRelayForwardsToStreams(t *testing.T) {
	hub := NewHub()
	ch := hub.subscribe("user_1")
	defer hub.unsubscribe("user_1", ch)

	src := &fakeSource{messages: make(chan *redis.Message, 2)}
	src.messages <- &redis.Message{Channel: "price_alerts", Payload: "not json"}
	src.messages <- &redis.Message{Channel: "price_alerts", Payload: `{"user_id":"user_1","title":"relayed"}`}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.RunRelay(ctx, src)
		close(done)
	}()

	select {
	case msg := <-ch:
		assert.Equal(t, "relayed", msg.Title)
	case <-time.After(time.Second):
		t.Fatal("message not relayed")
	}
	cancel()
	<-done
}
