package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricealerts/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return p.err
}

type fakeChannel struct {
	kind  models.ChannelKind
	err   error
	delay time.Duration
	panic bool

	mu   sync.Mutex
	sent []Message
}

func (f *fakeChannel) Kind() models.ChannelKind { return f.kind }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestBrowserPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBrowser(pub, "price_alerts")

	err := b.Send(context.Background(), Message{
		Destination: "user_1", Title: "t", Body: "b", AlertID: "a1", Symbol: "BTC",
		Kind: models.KindPriceTarget, Price: 70000,
	})
	require.NoError(t, err)
	require.Len(t, pub.messages, 1)

	var msg BrowserMessage
	require.NoError(t, json.Unmarshal(pub.messages[0], &msg))
	assert.Equal(t, "user_1", msg.UserID)
	assert.Equal(t, "price_target", msg.Type)
	assert.Equal(t, "a1", msg.AlertID)
}

func TestBrowserReportsSuccessWhenPublishFails(t *testing.T) {
	b := NewBrowser(&recordingPublisher{err: errors.New("redis down")}, "price_alerts")
	assert.NoError(t, b.Send(context.Background(), Message{Destination: "u", Title: "t", Body: "b"}))
}

func telegramServer(t *testing.T, handler http.HandlerFunc) *Telegram {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTelegram(srv.URL, "123:secret", time.Second)
}

func TestTelegramSend(t *testing.T) {
	var body map[string]interface{}
	tg := telegramServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:secret/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	err := tg.Send(context.Background(), Message{Destination: "987654", Title: "BTC <alert>", Body: "up"})
	require.NoError(t, err)
	assert.Equal(t, "987654", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	assert.Equal(t, "🚨 <b>BTC &lt;alert&gt;</b>\n\nup", body["text"])
}

func TestTelegramFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"ok":false,"error_code":401,"description":"Unauthorized"}`, ReasonUnauthorized},
		{"rate limited", http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`, ReasonRateLimited},
		{"chat not found", http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, ReasonInvalidDestination},
		{"blocked", http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, ReasonInvalidDestination},
		{"server error", http.StatusBadGateway, `{"ok":false,"description":"Bad Gateway"}`, ReasonUpstream},
		{"bad request other", http.StatusBadRequest, `{"ok":false,"description":"Bad Request: message is too long"}`, ReasonUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := telegramServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := tg.Send(context.Background(), Message{Destination: "42", Title: "t", Body: "b"})
			var chErr *ChannelError
			require.True(t, errors.As(err, &chErr), "got %v", err)
			assert.Equal(t, tt.reason, chErr.Reason)
			assert.Equal(t, models.ChannelTelegram, chErr.Channel)
		})
	}
}

func TestTelegramRejectsBeforeCalling(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	err := NewTelegram(srv.URL, "", time.Second).Send(context.Background(), Message{Destination: "42"})
	var chErr *ChannelError
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ReasonAuthMissing, chErr.Reason)

	err = NewTelegram(srv.URL, "tok", time.Second).Send(context.Background(), Message{Destination: "not a chat"})
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ReasonInvalidDestination, chErr.Reason)

	err = NewTelegram(srv.URL, "tok", time.Second).Send(context.Background(), Message{Destination: ""})
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ReasonInvalidDestination, chErr.Reason)
	assert.False(t, called)
}

func TestTelegramTransportErrorRedactsToken(t *testing.T) {
	tg := NewTelegram("http://127.0.0.1:1", "123:secret", 200*time.Millisecond)
	err := tg.Send(context.Background(), Message{Destination: "42", Title: "t", Body: "b"})
	var chErr *ChannelError
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, ReasonTransport, chErr.Reason)
	assert.False(t, strings.Contains(err.Error(), "123:secret"))
}

func TestTelegramCheck(t *testing.T) {
	tg := telegramServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:secret/getMe", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Alerts","username":"alerts_bot"}}`))
	})
	info, err := tg.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alerts_bot", info.Username)

	_, err = NewTelegram("http://unused", "", time.Second).Check(context.Background())
	assert.ErrorIs(t, err, ErrBotTokenMissing)
}

func testEvent(prefs, enabled models.ChannelSet, chatID string) models.NotificationEvent {
	user := models.NewUser("user_1", chatID, time.Now())
	user.NotificationPreferences = prefs
	alert := &models.Alert{
		ID: "a1", UserID: "user_1", Symbol: "BTC", Kind: models.KindPriceTarget,
		ThresholdValue: models.Float(70000), Direction: models.DirectionAbove,
		EnabledChannels: enabled,
	}
	return models.NewNotificationEvent(alert, user, models.PriceQuote{Symbol: "BTC", Price: 70000})
}

func TestDispatchUsesIntersection(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	tg := &fakeChannel{kind: models.ChannelTelegram}
	d := NewDispatcher(time.Second, browser, tg)

	results := d.Dispatch(context.Background(), testEvent(
		models.ChannelSet{models.ChannelBrowser},
		models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram},
		"42",
	))
	require.Len(t, results, 1)
	assert.Equal(t, models.ChannelBrowser, results[0].Channel)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, 0, tg.count())
	assert.Equal(t, "user_1", browser.sent[0].Destination)
	assert.Equal(t, "🚨 BTC Price Alert", browser.sent[0].Title)
}

func TestDispatchPartialFailure(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	tg := &fakeChannel{kind: models.ChannelTelegram, err: &ChannelError{Channel: models.ChannelTelegram, Reason: ReasonUnauthorized}}
	d := NewDispatcher(time.Second, browser, tg)

	both := models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram}
	results := d.Dispatch(context.Background(), testEvent(both, both, "42"))
	require.Len(t, results, 2)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.True(t, results[0].Success)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, ReasonUnauthorized, results[1].Reason)
}

func TestDispatchNotConfigured(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	d := NewDispatcher(time.Second, browser)

	both := models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram}
	// no chat id and no telegram implementation
	results := d.Dispatch(context.Background(), testEvent(both, both, ""))
	require.Len(t, results, 2)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, StatusNotConfigured, results[1].Status)
	assert.False(t, results[1].Success)
}

func TestDispatchTimeoutAndPanic(t *testing.T) {
	slow := &fakeChannel{kind: models.ChannelTelegram, delay: time.Second}
	broken := &fakeChannel{kind: models.ChannelBrowser, panic: true}
	d := NewDispatcher(20*time.Millisecond, slow, broken)

	both := models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram}
	start := time.Now()
	results := d.Dispatch(context.Background(), testEvent(both, both, "42"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, ReasonTransport, results[1].Reason)
}

// stuckChannel blocks without looking at its context.
type stuckChannel struct {
	kind  models.ChannelKind
	block time.Duration
}

func (s *stuckChannel) Kind() models.ChannelKind { return s.kind }

func (s *stuckChannel) Send(context.Context, Message) error {
	time.Sleep(s.block)
	return nil
}

func TestDispatchAbandonsChannelIgnoringContext(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	stuck := &stuckChannel{kind: models.ChannelTelegram, block: 2 * time.Second}
	d := NewDispatcher(20*time.Millisecond, browser, stuck)

	both := models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram}
	start := time.Now()
	results := d.Dispatch(context.Background(), testEvent(both, both, "42"))
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, results, 2)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.False(t, results[1].Success)
	assert.Equal(t, ReasonTransport, results[1].Reason)
}

func TestDispatchTelegramWithoutToken(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	d := NewDispatcher(time.Second, browser, NewTelegram("http://127.0.0.1:1", "", time.Second))

	both := models.ChannelSet{models.ChannelBrowser, models.ChannelTelegram}
	results := d.Dispatch(context.Background(), testEvent(both, both, "42"))
	require.Len(t, results, 2)
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, ReasonAuthMissing, results[1].Reason)
}

func TestSendDirect(t *testing.T) {
	browser := &fakeChannel{kind: models.ChannelBrowser}
	tg := &fakeChannel{kind: models.ChannelTelegram}
	d := NewDispatcher(time.Second, browser, tg)

	user := models.NewUser("user_1", "111", time.Now())
	req := DirectRequest{
		UserID: "user_1", Title: "hi", Message: "there",
		Channels: models.ChannelSet{models.ChannelTelegram, models.ChannelBrowser},
	}
	require.NoError(t, req.Validate())

	results := d.Send(context.Background(), user, req)
	require.Len(t, results, 2)
	assert.Equal(t, models.ChannelBrowser, results[0].Channel)
	assert.Equal(t, "111", tg.sent[0].Destination)

	req.TelegramChatID = "222"
	d.Send(context.Background(), nil, req)
	assert.Equal(t, "222", tg.sent[1].Destination)

	req.TelegramChatID = ""
	results = d.Send(context.Background(), nil, req)
	assert.Equal(t, StatusNotConfigured, results[1].Status)
}

func TestDirectRequestValidate(t *testing.T) {
	req := DirectRequest{UserID: "u", Title: "t", Message: "m"}
	var vErr *models.ValidationError
	require.True(t, errors.As(req.Validate(), &vErr))
	assert.Equal(t, "channels", vErr.Field)
}
