package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	activeIndexKey = "alerts:active"
	maxTxRetries   = 10
)

func alertKey(id string) string       { return "alert:" + id }
func userKey(id string) string        { return "user:" + id }
func userAlertsKey(uid string) string { return "alerts:user:" + uid }
func userActiveKey(uid string) string { return "alerts:user:" + uid + ":active" }

// RedisStore keeps alerts and users as JSON documents with set-based indexes.
// Every multi-key change runs in a WATCH/MULTI/EXEC transaction so records
// and indexes move together.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

// watch runs fn in an optimistic transaction, retrying on conflicts.
func (s *RedisStore) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			logger.Log.Debug("Redis transaction conflict, retrying",
				zap.String("op", op),
				zap.Int("attempt", i+1),
			)
			continue
		}
		return err
	}
	return persistErr(op, fmt.Errorf("transaction retries exhausted"))
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key, op string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr(op, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, persistErr(op, fmt.Errorf("decode %s: %w", key, err))
	}
	return &v, nil
}

func (s *RedisStore) loadAlerts(ctx context.Context, op string, ids []string) ([]*models.Alert, error) {
	if len(ids) == 0 {
		return []*models.Alert{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistErr(op, err)
	}
	alerts := make([]*models.Alert, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without a record; the record was deleted in between
			continue
		}
		var alert models.Alert
		if err := json.Unmarshal([]byte(str), &alert); err != nil {
			return nil, persistErr(op, fmt.Errorf("decode %s: %w", keys[i], err))
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}

func (s *RedisStore) CreateAlert(ctx context.Context, in *models.Alert) (*models.Alert, error) {
	alert, err := prepareNewAlert(in, uuid.NewString(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, persistErr("create_alert", err)
	}

	uKey, activeKey := userKey(alert.UserID), userActiveKey(alert.UserID)
	err = s.watch(ctx, "create_alert", func(tx *redis.Tx) error {
		user, err := getJSON[models.User](ctx, tx, uKey, "create_alert")
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}
		active, err := tx.SCard(ctx, activeKey).Result()
		if err != nil {
			return persistErr("create_alert", err)
		}
		if err := checkQuota(user, int(active)); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, alertKey(alert.ID), data, 0)
			pipe.ZAdd(ctx, userAlertsKey(alert.UserID), redis.Z{
				Score:  float64(alert.CreatedAt.UnixNano()),
				Member: alert.ID,
			})
			pipe.SAdd(ctx, activeKey, alert.ID)
			pipe.SAdd(ctx, activeIndexKey, alert.ID)
			return nil
		})
		return err
	}, uKey, activeKey)
	if err != nil {
		return nil, wrapRedisErr("create_alert", err)
	}
	return alert, nil
}

func (s *RedisStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	alert, err := getJSON[models.Alert](ctx, s.client, alertKey(id), "get_alert")
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}
	return alert, nil
}

func (s *RedisStore) ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error) {
	ids, err := s.client.ZRevRange(ctx, userAlertsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, persistErr("list_alerts_by_user", err)
	}
	return s.loadAlerts(ctx, "list_alerts_by_user", ids)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*models.Alert, error) {
	ids, err := s.client.SMembers(ctx, activeIndexKey).Result()
	if err != nil {
		return nil, persistErr("list_active", err)
	}
	alerts, err := s.loadAlerts(ctx, "list_active", ids)
	if err != nil {
		return nil, err
	}
	active := alerts[:0]
	for _, a := range alerts {
		if a.IsActive() {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *RedisStore) UpdateAlert(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	current, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	key := alertKey(id)
	uKey, activeKey := userKey(current.UserID), userActiveKey(current.UserID)

	var updated *models.Alert
	err = s.watch(ctx, "update_alert", func(tx *redis.Tx) error {
		current, err := getJSON[models.Alert](ctx, tx, key, "update_alert")
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		next, reactivated, err := applyAlertPatch(current, patch, s.now().UTC())
		if err != nil {
			return err
		}
		if reactivated {
			user, err := getJSON[models.User](ctx, tx, uKey, "update_alert")
			if err != nil {
				return err
			}
			if user == nil {
				return ErrUserNotFound
			}
			active, err := tx.SCard(ctx, activeKey).Result()
			if err != nil {
				return persistErr("update_alert", err)
			}
			if err := checkQuota(user, int(active)); err != nil {
				return err
			}
		}
		data, err := json.Marshal(next)
		if err != nil {
			return persistErr("update_alert", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.IsActive() {
				pipe.SAdd(ctx, activeKey, id)
				pipe.SAdd(ctx, activeIndexKey, id)
			} else {
				pipe.SRem(ctx, activeKey, id)
				pipe.SRem(ctx, activeIndexKey, id)
			}
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}, key, uKey, activeKey)
	if err != nil {
		return nil, wrapRedisErr("update_alert", err)
	}
	return updated, nil
}

func (s *RedisStore) TriggerAlert(ctx context.Context, id string, update TriggerUpdate) (*models.Alert, error) {
	key := alertKey(id)
	var triggered *models.Alert
	err := s.watch(ctx, "trigger_alert", func(tx *redis.Tx) error {
		current, err := getJSON[models.Alert](ctx, tx, key, "trigger_alert")
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if !current.IsActive() {
			return ErrNotActive
		}
		next := applyTrigger(current, update)
		data, err := json.Marshal(next)
		if err != nil {
			return persistErr("trigger_alert", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SRem(ctx, userActiveKey(next.UserID), id)
			pipe.SRem(ctx, activeIndexKey, id)
			return nil
		})
		if err == nil {
			triggered = next
		}
		return err
	}, key)
	if err != nil {
		return nil, wrapRedisErr("trigger_alert", err)
	}
	return triggered, nil
}

func (s *RedisStore) DeleteAlert(ctx context.Context, id string) (bool, error) {
	key := alertKey(id)
	deleted := false
	err := s.watch(ctx, "delete_alert", func(tx *redis.Tx) error {
		current, err := getJSON[models.Alert](ctx, tx, key, "delete_alert")
		if err != nil {
			return err
		}
		if current == nil {
			deleted = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, userAlertsKey(current.UserID), id)
			pipe.SRem(ctx, userActiveKey(current.UserID), id)
			pipe.SRem(ctx, activeIndexKey, id)
			return nil
		})
		deleted = err == nil
		return err
	}, key)
	if err != nil {
		return false, wrapRedisErr("delete_alert", err)
	}
	return deleted, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, in *models.User) (*models.User, error) {
	user, err := prepareNewUser(in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(user)
	if err != nil {
		return nil, persistErr("create_user", err)
	}
	ok, err := s.client.SetNX(ctx, userKey(user.ID), data, 0).Result()
	if err != nil {
		return nil, persistErr("create_user", err)
	}
	if !ok {
		return nil, ErrUserExists
	}
	return user, nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := getJSON[models.User](ctx, s.client, userKey(id), "get_user")
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *RedisStore) UpdateUser(ctx context.Context, id string, patch UserPatch) (*models.User, error) {
	key := userKey(id)
	var updated *models.User
	err := s.watch(ctx, "update_user", func(tx *redis.Tx) error {
		current, err := getJSON[models.User](ctx, tx, key, "update_user")
		if err != nil {
			return err
		}
		if current == nil {
			return ErrUserNotFound
		}
		next, err := applyUserPatch(current, patch, s.now().UTC())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return persistErr("update_user", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}, key)
	if err != nil {
		return nil, wrapRedisErr("update_user", err)
	}
	return updated, nil
}

// wrapRedisErr passes domain errors through and wraps transport failures.
func wrapRedisErr(op string, err error) error {
	var pErr *PersistenceError
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &pErr), errors.As(err, &vErr),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNotActive),
		errors.Is(err, ErrInvalidTransition):
		return err
	}
	return persistErr(op, err)
}
