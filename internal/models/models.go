package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FreeAlertSlots is the active-alert quota granted to free-tier users.
const FreeAlertSlots = 3

// UnlimitedSlots marks a user without an active-alert quota.
const UnlimitedSlots = -1

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,15}$`)

// User owns alerts and decides where their notifications go.
type User struct {
	ID                      string                 `json:"user_id"`
	ContactHandles          map[ChannelKind]string `json:"contact_handles,omitempty"`
	NotificationPreferences ChannelSet             `json:"notification_preferences"`
	AlertSlots              int                    `json:"alert_slots"`
	SubscriptionTier        SubscriptionTier       `json:"subscription_tier"`
	SubscriptionExpiresAt   *time.Time             `json:"subscription_expires_at,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// NewUser builds a free-tier user with browser notifications enabled, and
// telegram too when a chat id is already known.
func NewUser(id, telegramChatID string, now time.Time) *User {
	user := &User{
		ID:                      id,
		ContactHandles:          map[ChannelKind]string{},
		NotificationPreferences: ChannelSet{ChannelBrowser},
		AlertSlots:              FreeAlertSlots,
		SubscriptionTier:        TierFree,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if telegramChatID != "" {
		user.ContactHandles[ChannelTelegram] = telegramChatID
		user.NotificationPreferences = ChannelSet{ChannelBrowser, ChannelTelegram}
	}
	return user
}

// UserIDFromWallet derives the stable user id for a wallet address.
func UserIDFromWallet(wallet string) string {
	return "user_" + strings.ToLower(strings.TrimSpace(wallet))
}

// Destination returns the contact handle for a channel. The browser channel
// is addressed by the user id itself.
func (u *User) Destination(kind ChannelKind) string {
	if kind == ChannelBrowser {
		return u.ID
	}
	return u.ContactHandles[kind]
}

// SetTier switches the subscription tier and resets the quota to match it.
func (u *User) SetTier(tier SubscriptionTier) {
	u.SubscriptionTier = tier
	if tier == TierPremium {
		u.AlertSlots = UnlimitedSlots
	} else {
		u.AlertSlots = FreeAlertSlots
	}
}

// ActiveLimit returns the maximum number of active alerts the user may own,
// or UnlimitedSlots.
func (u *User) ActiveLimit() int {
	if u.SubscriptionTier == TierPremium || u.AlertSlots < 0 {
		return UnlimitedSlots
	}
	return u.AlertSlots
}

// Validate checks a user record read from or written to a store.
func (u *User) Validate() error {
	if u.ID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if _, err := ParseSubscriptionTier(string(u.SubscriptionTier)); err != nil {
		return err
	}
	for _, kind := range u.NotificationPreferences {
		if _, err := ParseChannelKind(string(kind)); err != nil {
			return err
		}
	}
	return nil
}

// Alert represents a user-owned rule on a crypto symbol.
type Alert struct {
	ID                string      `json:"alert_id"`
	UserID            string      `json:"user_id"`
	Symbol            string      `json:"symbol"`
	Kind              AlertKind   `json:"kind"`
	ThresholdValue    *float64    `json:"threshold_value,omitempty"`
	Direction         Direction   `json:"direction,omitempty"`
	Status            AlertStatus `json:"status"`
	EnabledChannels   ChannelSet  `json:"enabled_channels"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	TriggeredAt       *time.Time  `json:"triggered_at,omitempty"`
	LastKnownPrice    *float64    `json:"last_known_price,omitempty"`
	LastPercentChange *float64    `json:"last_percent_change,omitempty"`
	TrendSignal       TrendSignal `json:"trend_signal,omitempty"`
}

// NormalizeSymbol trims and uppercases a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Normalize canonicalizes user supplied fields before validation.
func (a *Alert) Normalize() {
	a.Symbol = NormalizeSymbol(a.Symbol)
	if len(a.EnabledChannels) == 0 {
		a.EnabledChannels = ChannelSet{ChannelBrowser}
	}
	a.EnabledChannels = a.EnabledChannels.Normalize()
	if a.Kind == KindTrendSignal {
		if a.ThresholdValue != nil && *a.ThresholdValue == 0 {
			a.ThresholdValue = nil
		}
	}
}

// Validate enforces the per-kind shape of an alert.
func (a *Alert) Validate() error {
	if a.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if !symbolPattern.MatchString(a.Symbol) {
		return &ValidationError{Field: "symbol", Message: fmt.Sprintf("%q is not a valid ticker", a.Symbol)}
	}
	if _, err := ParseAlertKind(string(a.Kind)); err != nil {
		return err
	}
	if a.Status != "" {
		if _, err := ParseAlertStatus(string(a.Status)); err != nil {
			return err
		}
	}
	for _, kind := range a.EnabledChannels {
		if _, err := ParseChannelKind(string(kind)); err != nil {
			return err
		}
	}

	switch a.Kind {
	case KindPriceTarget:
		if a.ThresholdValue == nil || *a.ThresholdValue <= 0 {
			return &ValidationError{Field: "threshold_value", Message: "must be a positive number for price_target alerts"}
		}
		if _, err := ParseDirection(string(a.Direction)); err != nil {
			return err
		}
	case KindTrendSignal:
		if a.ThresholdValue != nil && *a.ThresholdValue != 0 {
			return &ValidationError{Field: "threshold_value", Message: "must be empty for trend_signal alerts"}
		}
		if a.Direction != "" {
			return &ValidationError{Field: "direction", Message: "must be empty for trend_signal alerts"}
		}
	}
	return nil
}

// IsActive reports whether the evaluator should consider the alert.
func (a *Alert) IsActive() bool {
	return a.Status == StatusActive
}

// Clone returns a deep copy so callers can mutate it freely.
func (a *Alert) Clone() *Alert {
	c := *a
	c.EnabledChannels = append(ChannelSet(nil), a.EnabledChannels...)
	c.ThresholdValue = cloneFloat(a.ThresholdValue)
	c.LastKnownPrice = cloneFloat(a.LastKnownPrice)
	c.LastPercentChange = cloneFloat(a.LastPercentChange)
	if a.TriggeredAt != nil {
		t := *a.TriggeredAt
		c.TriggeredAt = &t
	}
	return &c
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.NotificationPreferences = append(ChannelSet(nil), u.NotificationPreferences...)
	c.ContactHandles = make(map[ChannelKind]string, len(u.ContactHandles))
	for k, v := range u.ContactHandles {
		c.ContactHandles[k] = v
	}
	if u.SubscriptionExpiresAt != nil {
		t := *u.SubscriptionExpiresAt
		c.SubscriptionExpiresAt = &t
	}
	return &c
}

// PriceQuote is a single observation from a price source. It is never persisted
// by the alert store.
type PriceQuote struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	ChangePercent24h *float64  `json:"change_percent_24h,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
	Source           string    `json:"source,omitempty"`
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
