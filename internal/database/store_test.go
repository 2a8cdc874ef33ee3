package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricealerts/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock returns a clock that advances one second per call.
func tickingClock() func() time.Time {
	var n int64
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

func newMemory(t *testing.T) Store {
	return NewMemoryStore().WithClock(tickingClock())
}

func newRedis(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client).WithClock(tickingClock())
}

var backends = map[string]func(t *testing.T) Store{
	"memory": newMemory,
	"redis":  newRedis,
}

func seedUser(t *testing.T, s Store, id string) *models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), models.NewUser(id, "chat-"+id, time.Time{}))
	require.NoError(t, err)
	return u
}

func priceAlert(userID, symbol string, threshold float64, dir models.Direction) *models.Alert {
	return &models.Alert{
		UserID:         userID,
		Symbol:         symbol,
		Kind:           models.KindPriceTarget,
		ThresholdValue: models.Float(threshold),
		Direction:      dir,
	}
}

func TestStoreBackends(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("Quota", func(t *testing.T) { testQuota(t, factory(t)) })
			t.Run("PremiumUnlimited", func(t *testing.T) { testPremiumUnlimited(t, factory(t)) })
			t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, factory(t)) })
			t.Run("TriggerIsConditional", func(t *testing.T) { testTriggerIsConditional(t, factory(t)) })
			t.Run("ConcurrentTrigger", func(t *testing.T) { testConcurrentTrigger(t, factory(t)) })
			t.Run("Transitions", func(t *testing.T) { testTransitions(t, factory(t)) })
			t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
			t.Run("Users", func(t *testing.T) { testUsers(t, factory(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")

	created, err := s.CreateAlert(ctx, priceAlert("u1", "btc", 70000, models.DirectionAbove))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "BTC", created.Symbol)
	assert.Equal(t, models.StatusActive, created.Status)
	assert.Equal(t, models.ChannelSet{models.ChannelBrowser}, created.EnabledChannels)

	got, err := s.GetAlert(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, 70000.0, *got.ThresholdValue)

	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateAlert(ctx, priceAlert("ghost", "BTC", 1, models.DirectionAbove))
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.CreateAlert(ctx, &models.Alert{UserID: "u1", Symbol: "BTC", Kind: models.KindPriceTarget})
	var vErr *models.ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func testQuota(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")

	var ids []string
	for i := 0; i < models.FreeAlertSlots; i++ {
		a, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", float64(100+i), models.DirectionAbove))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	_, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 999, models.DirectionAbove))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var qErr *QuotaError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, 3, qErr.Current)
	assert.Equal(t, 3, qErr.Max)

	deleted, err := s.DeleteAlert(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.CreateAlert(ctx, priceAlert("u1", "BTC", 999, models.DirectionAbove))
	assert.NoError(t, err)

	// pausing frees a slot, resuming needs one
	inactive := models.StatusInactive
	_, err = s.UpdateAlert(ctx, ids[1], AlertPatch{Status: &inactive})
	require.NoError(t, err)
	_, err = s.CreateAlert(ctx, priceAlert("u1", "ETH", 1, models.DirectionBelow))
	require.NoError(t, err)
	active := models.StatusActive
	_, err = s.UpdateAlert(ctx, ids[1], AlertPatch{Status: &active})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func testPremiumUnlimited(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "whale")
	tier := models.TierPremium
	u, err := s.UpdateUser(ctx, "whale", UserPatch{SubscriptionTier: &tier})
	require.NoError(t, err)
	assert.Equal(t, models.UnlimitedSlots, u.AlertSlots)

	for i := 0; i < 10; i++ {
		_, err := s.CreateAlert(ctx, priceAlert("whale", "SOL", float64(i+1), models.DirectionAbove))
		require.NoError(t, err)
	}
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 10)
}

func testListNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")
	seedUser(t, s, "u2")

	first, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 1, models.DirectionAbove))
	require.NoError(t, err)
	second, err := s.CreateAlert(ctx, &models.Alert{UserID: "u1", Symbol: "ETH", Kind: models.KindTrendSignal})
	require.NoError(t, err)
	_, err = s.CreateAlert(ctx, priceAlert("u2", "SOL", 1, models.DirectionBelow))
	require.NoError(t, err)

	list, err := s.ListAlertsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	empty, err := s.ListAlertsByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTriggerIsConditional(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")
	a, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 70000, models.DirectionAbove))
	require.NoError(t, err)

	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	triggered, err := s.TriggerAlert(ctx, a.ID, TriggerUpdate{TriggeredAt: at, Price: 70000})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, triggered.Status)
	require.NotNil(t, triggered.TriggeredAt)
	assert.True(t, at.Equal(*triggered.TriggeredAt))
	assert.Equal(t, 70000.0, *triggered.LastKnownPrice)

	_, err = s.TriggerAlert(ctx, a.ID, TriggerUpdate{TriggeredAt: at.Add(time.Minute), Price: 71000})
	assert.ErrorIs(t, err, ErrNotActive)

	got, err := s.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, at.Equal(*got.TriggeredAt), "triggered_at must not move")

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.TriggerAlert(ctx, "missing", TriggerUpdate{TriggeredAt: at})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentTrigger(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")
	a, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 1, models.DirectionAbove))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TriggerAlert(ctx, a.ID, TriggerUpdate{TriggeredAt: time.Now(), Price: 2})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, ErrNotActive)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func testTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")
	a, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 1, models.DirectionAbove))
	require.NoError(t, err)

	inactive := models.StatusInactive
	paused, err := s.UpdateAlert(ctx, a.ID, AlertPatch{Status: &inactive})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, paused.Status)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	triggeredStatus := models.StatusTriggered
	_, err = s.UpdateAlert(ctx, a.ID, AlertPatch{Status: &triggeredStatus})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.TriggerAlert(ctx, a.ID, TriggerUpdate{TriggeredAt: time.Now(), Price: 5})
	assert.ErrorIs(t, err, ErrNotActive)

	activeStatus := models.StatusActive
	threshold := 2.5
	resumed, err := s.UpdateAlert(ctx, a.ID, AlertPatch{Status: &activeStatus, ThresholdValue: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 2.5, *resumed.ThresholdValue)

	_, err = s.TriggerAlert(ctx, a.ID, TriggerUpdate{TriggeredAt: time.Now(), Price: 5})
	require.NoError(t, err)
	_, err = s.UpdateAlert(ctx, a.ID, AlertPatch{Status: &activeStatus})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.UpdateAlert(ctx, "missing", AlertPatch{Status: &activeStatus})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()
	seedUser(t, s, "u1")
	a, err := s.CreateAlert(ctx, priceAlert("u1", "BTC", 1, models.DirectionAbove))
	require.NoError(t, err)

	ok, err := s.DeleteAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	list, err := s.ListAlertsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	u := seedUser(t, s, "user_0xabc")
	assert.Equal(t, models.FreeAlertSlots, u.AlertSlots)
	assert.Equal(t, "chat-user_0xabc", u.Destination(models.ChannelTelegram))

	_, err := s.CreateUser(ctx, models.NewUser("user_0xabc", "", time.Time{}))
	assert.ErrorIs(t, err, ErrUserExists)

	empty := ""
	updated, err := s.UpdateUser(ctx, "user_0xabc", UserPatch{
		TelegramChatID:          &empty,
		NotificationPreferences: models.ChannelSet{models.ChannelTelegram},
	})
	require.NoError(t, err)
	assert.Equal(t, "", updated.Destination(models.ChannelTelegram))
	assert.Equal(t, models.ChannelSet{models.ChannelTelegram}, updated.NotificationPreferences)

	got, err := s.GetUser(ctx, "user_0xabc")
	require.NoError(t, err)
	assert.Equal(t, updated.NotificationPreferences, got.NotificationPreferences)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.UpdateUser(ctx, "nobody", UserPatch{})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedisStoreRejectsCorruptRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)

	require.NoError(t, mr.Set(alertKey("bad"), `{"alert_id":"bad","kind":"moon","status":"active"}`))
	_, err := mr.SAdd(activeIndexKey, "bad")
	require.NoError(t, err)

	_, err = s.GetAlert(context.Background(), "bad")
	var pErr *PersistenceError
	assert.True(t, errors.As(err, &pErr))

	_, err = s.ListActive(context.Background())
	assert.True(t, errors.As(err, &pErr))
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client)
	mr.Close()

	_, err := s.ListActive(context.Background())
	var pErr *PersistenceError
	assert.True(t, errors.As(err, &pErr))
}
