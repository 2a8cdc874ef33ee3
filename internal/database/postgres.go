package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema creates the tables and indexes used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id                       TEXT PRIMARY KEY,
	telegram_chat_id         TEXT NOT NULL DEFAULT '',
	notification_preferences TEXT[] NOT NULL DEFAULT '{browser}',
	alert_slots              INTEGER NOT NULL DEFAULT 3,
	subscription_tier        TEXT NOT NULL DEFAULT 'free',
	subscription_expires_at  TIMESTAMPTZ,
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL REFERENCES users(id),
	symbol              TEXT NOT NULL,
	kind                TEXT NOT NULL,
	threshold_value     DOUBLE PRECISION,
	direction           TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	enabled_channels    TEXT[] NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	triggered_at        TIMESTAMPTZ,
	last_known_price    DOUBLE PRECISION,
	last_percent_change DOUBLE PRECISION,
	trend_signal        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS alerts_user_created_idx ON alerts (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS alerts_active_idx ON alerts (symbol) WHERE status = 'active';
`

const alertColumns = `id, user_id, symbol, kind, threshold_value, direction, status, enabled_channels,
	created_at, updated_at, triggered_at, last_known_price, last_percent_change, trend_signal`

const userColumns = `id, telegram_chat_id, notification_preferences, alert_slots, subscription_tier,
	subscription_expires_at, created_at, updated_at`

type alertRow struct {
	ID                string          `db:"id"`
	UserID            string          `db:"user_id"`
	Symbol            string          `db:"symbol"`
	Kind              string          `db:"kind"`
	ThresholdValue    sql.NullFloat64 `db:"threshold_value"`
	Direction         string          `db:"direction"`
	Status            string          `db:"status"`
	EnabledChannels   pq.StringArray  `db:"enabled_channels"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	TriggeredAt       sql.NullTime    `db:"triggered_at"`
	LastKnownPrice    sql.NullFloat64 `db:"last_known_price"`
	LastPercentChange sql.NullFloat64 `db:"last_percent_change"`
	TrendSignal       string          `db:"trend_signal"`
}

// toModel parses stored enums so an unknown value is reported rather than
// assumed.
func (r alertRow) toModel() (*models.Alert, error) {
	kind, err := models.ParseAlertKind(r.Kind)
	if err != nil {
		return nil, persistErr("decode_alert", fmt.Errorf("alert %s: %w", r.ID, err))
	}
	status, err := models.ParseAlertStatus(r.Status)
	if err != nil {
		return nil, persistErr("decode_alert", fmt.Errorf("alert %s: %w", r.ID, err))
	}
	channels, err := models.ParseChannelSet(r.EnabledChannels)
	if err != nil {
		return nil, persistErr("decode_alert", fmt.Errorf("alert %s: %w", r.ID, err))
	}
	var direction models.Direction
	if r.Direction != "" {
		if direction, err = models.ParseDirection(r.Direction); err != nil {
			return nil, persistErr("decode_alert", fmt.Errorf("alert %s: %w", r.ID, err))
		}
	}
	a := &models.Alert{
		ID:              r.ID,
		UserID:          r.UserID,
		Symbol:          r.Symbol,
		Kind:            kind,
		Direction:       direction,
		Status:          status,
		EnabledChannels: channels,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		TrendSignal:     models.TrendSignal(r.TrendSignal),
	}
	if r.ThresholdValue.Valid {
		a.ThresholdValue = models.Float(r.ThresholdValue.Float64)
	}
	if r.TriggeredAt.Valid {
		t := r.TriggeredAt.Time.UTC()
		a.TriggeredAt = &t
	}
	if r.LastKnownPrice.Valid {
		a.LastKnownPrice = models.Float(r.LastKnownPrice.Float64)
	}
	if r.LastPercentChange.Valid {
		a.LastPercentChange = models.Float(r.LastPercentChange.Float64)
	}
	return a, nil
}

type userRow struct {
	ID                      string         `db:"id"`
	TelegramChatID          string         `db:"telegram_chat_id"`
	NotificationPreferences pq.StringArray `db:"notification_preferences"`
	AlertSlots              int            `db:"alert_slots"`
	SubscriptionTier        string         `db:"subscription_tier"`
	SubscriptionExpiresAt   sql.NullTime   `db:"subscription_expires_at"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

func (r userRow) toModel() (*models.User, error) {
	tier, err := models.ParseSubscriptionTier(r.SubscriptionTier)
	if err != nil {
		return nil, persistErr("decode_user", fmt.Errorf("user %s: %w", r.ID, err))
	}
	prefs, err := models.ParseChannelSet(r.NotificationPreferences)
	if err != nil {
		return nil, persistErr("decode_user", fmt.Errorf("user %s: %w", r.ID, err))
	}
	u := &models.User{
		ID:                      r.ID,
		ContactHandles:          map[models.ChannelKind]string{},
		NotificationPreferences: prefs,
		AlertSlots:              r.AlertSlots,
		SubscriptionTier:        tier,
		CreatedAt:               r.CreatedAt.UTC(),
		UpdatedAt:               r.UpdatedAt.UTC(),
	}
	if r.TelegramChatID != "" {
		u.ContactHandles[models.ChannelTelegram] = r.TelegramChatID
	}
	if r.SubscriptionExpiresAt.Valid {
		t := r.SubscriptionExpiresAt.Time.UTC()
		u.SubscriptionExpiresAt = &t
	}
	return u, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresStore persists alerts and users in PostgreSQL. The active index is
// the partial index on status; triggering is a conditional UPDATE.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, pool PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Database connection established")
	return db, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistErr(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Log.Warn("Rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// lockUserQuota locks the owner row and checks the active quota.
func lockUserQuota(ctx context.Context, tx *sqlx.Tx, op, userID string) error {
	var row userRow
	err := tx.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return persistErr(op, err)
	}
	user, err := row.toModel()
	if err != nil {
		return err
	}
	var active int
	if err := tx.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM alerts WHERE user_id = $1 AND status = 'active'`, userID); err != nil {
		return persistErr(op, err)
	}
	return checkQuota(user, active)
}

func (s *PostgresStore) CreateAlert(ctx context.Context, in *models.Alert) (*models.Alert, error) {
	alert, err := prepareNewAlert(in, uuid.NewString(), s.now().UTC())
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, "create_alert", func(tx *sqlx.Tx) error {
		if err := lockUserQuota(ctx, tx, "create_alert", alert.UserID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (`+alertColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			alert.ID, alert.UserID, alert.Symbol, string(alert.Kind),
			nullFloat(alert.ThresholdValue), string(alert.Direction), string(alert.Status),
			pq.StringArray(alert.EnabledChannels.Strings()),
			alert.CreatedAt, alert.UpdatedAt, nullTime(alert.TriggeredAt),
			nullFloat(alert.LastKnownPrice), nullFloat(alert.LastPercentChange), string(alert.TrendSignal),
		)
		if err != nil {
			logger.Log.Error("Failed to create alert in database",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			return persistErr("create_alert", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Log.Error("Failed to retrieve alert", zap.String("alert_id", id), zap.Error(err))
		return nil, persistErr("get_alert", err)
	}
	return row.toModel()
}

func (s *PostgresStore) selectAlerts(ctx context.Context, op, query string, args ...interface{}) ([]*models.Alert, error) {
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		logger.Log.Error("Failed to query alerts", zap.String("op", op), zap.Error(err))
		return nil, persistErr(op, err)
	}
	alerts := make([]*models.Alert, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (s *PostgresStore) ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error) {
	return s.selectAlerts(ctx, "list_alerts_by_user",
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Alert, error) {
	return s.selectAlerts(ctx, "list_active",
		`SELECT `+alertColumns+` FROM alerts WHERE status = 'active' ORDER BY created_at`)
}

func (s *PostgresStore) UpdateAlert(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error) {
	var updated *models.Alert
	err := s.inTx(ctx, "update_alert", func(tx *sqlx.Tx) error {
		var row alertRow
		err := tx.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return persistErr("update_alert", err)
		}
		current, err := row.toModel()
		if err != nil {
			return err
		}
		next, reactivated, err := applyAlertPatch(current, patch, s.now().UTC())
		if err != nil {
			return err
		}
		if reactivated {
			if err := lockUserQuota(ctx, tx, "update_alert", next.UserID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE alerts
			SET symbol = $1, threshold_value = $2, direction = $3, status = $4,
				enabled_channels = $5, updated_at = $6, triggered_at = $7
			WHERE id = $8`,
			next.Symbol, nullFloat(next.ThresholdValue), string(next.Direction), string(next.Status),
			pq.StringArray(next.EnabledChannels.Strings()), next.UpdatedAt, nullTime(next.TriggeredAt), id,
		)
		if err != nil {
			logger.Log.Error("Failed to update alert", zap.String("alert_id", id), zap.Error(err))
			return persistErr("update_alert", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) TriggerAlert(ctx context.Context, id string, update TriggerUpdate) (*models.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE alerts
		SET status = 'triggered', triggered_at = $2, updated_at = $2,
			last_known_price = $3, last_percent_change = $4,
			trend_signal = CASE WHEN $5::text = '' THEN trend_signal ELSE $5::text END
		WHERE id = $1 AND status = 'active'
		RETURNING `+alertColumns,
		id, update.TriggeredAt.UTC(), update.Price, nullFloat(update.PercentChange), string(update.TrendSignal),
	)
	if err == nil {
		return row.toModel()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.Log.Error("Failed to trigger alert", zap.String("alert_id", id), zap.Error(err))
		return nil, persistErr("trigger_alert", err)
	}

	// Nothing matched: either the alert is gone or it already left active.
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id); err != nil {
		return nil, persistErr("trigger_alert", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrNotActive
}

func (s *PostgresStore) DeleteAlert(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		logger.Log.Error("Failed to delete alert", zap.String("alert_id", id), zap.Error(err))
		return false, persistErr("delete_alert", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("delete_alert", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, in *models.User) (*models.User, error) {
	user, err := prepareNewUser(in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		user.ID, user.ContactHandles[models.ChannelTelegram],
		pq.StringArray(user.NotificationPreferences.Strings()), user.AlertSlots,
		string(user.SubscriptionTier), nullTime(user.SubscriptionExpiresAt),
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, persistErr("create_user", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, persistErr("create_user", err)
	}
	if n == 0 {
		return nil, ErrUserExists
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, persistErr("get_user", err)
	}
	return row.toModel()
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, patch UserPatch) (*models.User, error) {
	var updated *models.User
	err := s.inTx(ctx, "update_user", func(tx *sqlx.Tx) error {
		var row userRow
		err := tx.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return persistErr("update_user", err)
		}
		current, err := row.toModel()
		if err != nil {
			return err
		}
		next, err := applyUserPatch(current, patch, s.now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET telegram_chat_id = $1, notification_preferences = $2, alert_slots = $3,
				subscription_tier = $4, subscription_expires_at = $5, updated_at = $6
			WHERE id = $7`,
			next.ContactHandles[models.ChannelTelegram],
			pq.StringArray(next.NotificationPreferences.Strings()), next.AlertSlots,
			string(next.SubscriptionTier), nullTime(next.SubscriptionExpiresAt), next.UpdatedAt, id,
		)
		if err != nil {
			return persistErr("update_user", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
