package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricealerts/internal/models"
)

var (
	ErrNotFound          = errors.New("alert not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrQuotaExceeded     = errors.New("active alert quota exceeded")
	ErrNotActive         = errors.New("alert is not active")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// QuotaError carries the numbers behind ErrQuotaExceeded.
type QuotaError struct {
	Current int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %d of %d active alerts in use", ErrQuotaExceeded, e.Current, e.Max)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// AlertPatch lists the fields an update may change. Nil fields are left alone.
type AlertPatch struct {
	Symbol          *string             `json:"symbol,omitempty"`
	ThresholdValue  *float64            `json:"threshold_value,omitempty"`
	Direction       *models.Direction   `json:"direction,omitempty"`
	Status          *models.AlertStatus `json:"status,omitempty"`
	EnabledChannels models.ChannelSet   `json:"enabled_channels,omitempty"`
}

// UserPatch lists the user fields an update may change.
type UserPatch struct {
	TelegramChatID          *string                  `json:"telegram_id,omitempty"`
	NotificationPreferences models.ChannelSet        `json:"notification_preferences,omitempty"`
	SubscriptionTier        *models.SubscriptionTier `json:"subscription_tier,omitempty"`
	SubscriptionExpiresAt   *time.Time               `json:"subscription_expires_at,omitempty"`
}

// TriggerUpdate is written together with the active -> triggered transition.
type TriggerUpdate struct {
	TriggeredAt   time.Time
	Price         float64
	PercentChange *float64
	TrendSignal   models.TrendSignal
}

// Store persists alerts and users. Implementations keep the active index
// consistent with alert status and make TriggerAlert conditional on the
// alert still being active.
type Store interface {
	CreateAlert(ctx context.Context, alert *models.Alert) (*models.Alert, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error)
	ListActive(ctx context.Context) ([]*models.Alert, error)
	UpdateAlert(ctx context.Context, id string, patch AlertPatch) (*models.Alert, error)
	TriggerAlert(ctx context.Context, id string, update TriggerUpdate) (*models.Alert, error)
	DeleteAlert(ctx context.Context, id string) (bool, error)

	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) (*models.User, error)
}

// prepareNewAlert validates input and fills the server-assigned fields.
func prepareNewAlert(in *models.Alert, id string, now time.Time) (*models.Alert, error) {
	alert := in.Clone()
	alert.ID = id
	alert.Status = models.StatusActive
	alert.CreatedAt = now
	alert.UpdatedAt = now
	alert.TriggeredAt = nil
	alert.Normalize()
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	return alert, nil
}

// checkQuota fails when activating one more alert would exceed the user's limit.
func checkQuota(user *models.User, active int) error {
	limit := user.ActiveLimit()
	if limit == models.UnlimitedSlots {
		return nil
	}
	if active >= limit {
		return &QuotaError{Current: active, Max: limit}
	}
	return nil
}

// applyAlertPatch returns a patched copy of current. reactivated reports an
// inactive -> active move, which needs a quota check by the caller.
func applyAlertPatch(current *models.Alert, patch AlertPatch, now time.Time) (updated *models.Alert, reactivated bool, err error) {
	a := current.Clone()
	if patch.Symbol != nil {
		a.Symbol = *patch.Symbol
	}
	if patch.ThresholdValue != nil {
		a.ThresholdValue = models.Float(*patch.ThresholdValue)
	}
	if patch.Direction != nil {
		a.Direction = *patch.Direction
	}
	if patch.EnabledChannels != nil {
		a.EnabledChannels = patch.EnabledChannels
	}
	if patch.Status != nil {
		next := *patch.Status
		if !current.Status.CanTransitionTo(next) {
			return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
		}
		reactivated = current.Status == models.StatusInactive && next == models.StatusActive
		a.Status = next
		if next == models.StatusTriggered && current.Status != models.StatusTriggered {
			t := now
			a.TriggeredAt = &t
		}
	}
	a.UpdatedAt = now
	a.Normalize()
	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	return a, reactivated, nil
}

// applyTrigger marks a copy of current as triggered.
func applyTrigger(current *models.Alert, update TriggerUpdate) *models.Alert {
	a := current.Clone()
	t := update.TriggeredAt
	a.Status = models.StatusTriggered
	a.TriggeredAt = &t
	a.UpdatedAt = t
	a.LastKnownPrice = models.Float(update.Price)
	a.LastPercentChange = update.PercentChange
	if update.TrendSignal != "" {
		a.TrendSignal = update.TrendSignal
	}
	return a
}

func applyUserPatch(current *models.User, patch UserPatch, now time.Time) (*models.User, error) {
	u := current.Clone()
	if patch.TelegramChatID != nil {
		if *patch.TelegramChatID == "" {
			delete(u.ContactHandles, models.ChannelTelegram)
		} else {
			u.ContactHandles[models.ChannelTelegram] = *patch.TelegramChatID
		}
	}
	if patch.NotificationPreferences != nil {
		u.NotificationPreferences = patch.NotificationPreferences.Normalize()
	}
	if patch.SubscriptionTier != nil {
		u.SetTier(*patch.SubscriptionTier)
	}
	if patch.SubscriptionExpiresAt != nil {
		t := *patch.SubscriptionExpiresAt
		u.SubscriptionExpiresAt = &t
	}
	u.UpdatedAt = now
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func prepareNewUser(in *models.User, now time.Time) (*models.User, error) {
	u := in.Clone()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.SubscriptionTier == "" {
		u.SubscriptionTier = models.TierFree
	}
	if u.SubscriptionTier == models.TierPremium {
		u.AlertSlots = models.UnlimitedSlots
	} else if u.AlertSlots == 0 {
		u.AlertSlots = models.FreeAlertSlots
	}
	if len(u.NotificationPreferences) == 0 {
		u.NotificationPreferences = models.ChannelSet{models.ChannelBrowser}
	}
	u.NotificationPreferences = u.NotificationPreferences.Normalize()
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}
