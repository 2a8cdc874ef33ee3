package models

import (
	"strings"
)

// AlertKind discriminates how an alert is evaluated.
type AlertKind string

const (
	KindPriceTarget AlertKind = "price_target"
	KindTrendSignal AlertKind = "trend_signal"
)

// ParseAlertKind accepts the canonical names and the legacy "trend" alias.
func ParseAlertKind(s string) (AlertKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindPriceTarget):
		return KindPriceTarget, nil
	case string(KindTrendSignal), "trend":
		return KindTrendSignal, nil
	}
	return "", &ValidationError{Field: "kind", Message: "must be price_target or trend_signal"}
}

func (k *AlertKind) UnmarshalText(text []byte) error {
	v, err := ParseAlertKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Direction is the side of the threshold a price_target alert waits for.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(DirectionAbove):
		return DirectionAbove, nil
	case string(DirectionBelow):
		return DirectionBelow, nil
	}
	return "", &ValidationError{Field: "direction", Message: "must be above or below"}
}

func (d *Direction) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = ""
		return nil
	}
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// AlertStatus is the lifecycle state of an alert.
//
//	active -> triggered (terminal)
//	active <-> inactive (pause / resume)
type AlertStatus string

const (
	StatusActive    AlertStatus = "active"
	StatusTriggered AlertStatus = "triggered"
	StatusInactive  AlertStatus = "inactive"
)

func ParseAlertStatus(s string) (AlertStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StatusActive):
		return StatusActive, nil
	case string(StatusTriggered):
		return StatusTriggered, nil
	case string(StatusInactive):
		return StatusInactive, nil
	}
	return "", &ValidationError{Field: "status", Message: "must be active, triggered or inactive"}
}

func (s *AlertStatus) UnmarshalText(text []byte) error {
	v, err := ParseAlertStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusActive || next == StatusInactive || next == StatusTriggered
	case StatusInactive:
		return next == StatusActive || next == StatusInactive
	}
	return false
}

// ChannelKind names a notification delivery mechanism.
type ChannelKind string

const (
	ChannelBrowser  ChannelKind = "browser"
	ChannelTelegram ChannelKind = "telegram"
)

// AllChannels lists every channel kind in dispatch order.
var AllChannels = []ChannelKind{ChannelBrowser, ChannelTelegram}

func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ChannelBrowser):
		return ChannelBrowser, nil
	case string(ChannelTelegram):
		return ChannelTelegram, nil
	}
	return "", &ValidationError{Field: "channel", Message: "must be browser or telegram"}
}

func (c *ChannelKind) UnmarshalText(text []byte) error {
	v, err := ParseChannelKind(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ChannelSet is an ordered set of channel kinds.
type ChannelSet []ChannelKind

// ParseChannelSet parses raw names into a normalized set.
func ParseChannelSet(names []string) (ChannelSet, error) {
	set := make(ChannelSet, 0, len(names))
	for _, name := range names {
		kind, err := ParseChannelKind(name)
		if err != nil {
			return nil, err
		}
		set = append(set, kind)
	}
	return set.Normalize(), nil
}

func (cs ChannelSet) Contains(kind ChannelKind) bool {
	for _, c := range cs {
		if c == kind {
			return true
		}
	}
	return false
}

// Normalize drops duplicates and orders the set like AllChannels.
// Unknown kinds are kept at the end so validation can still report them.
func (cs ChannelSet) Normalize() ChannelSet {
	out := make(ChannelSet, 0, len(cs))
	for _, kind := range AllChannels {
		if cs.Contains(kind) {
			out = append(out, kind)
		}
	}
	for _, c := range cs {
		if !out.Contains(c) {
			out = append(out, c)
		}
	}
	return out
}

// Intersect returns the kinds present in both sets, in dispatch order.
func (cs ChannelSet) Intersect(other ChannelSet) ChannelSet {
	out := ChannelSet{}
	for _, kind := range AllChannels {
		if cs.Contains(kind) && other.Contains(kind) {
			out = append(out, kind)
		}
	}
	return out
}

// Strings converts the set to plain names.
func (cs ChannelSet) Strings() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

// SubscriptionTier is the user's billing plan.
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
)

func ParseSubscriptionTier(s string) (SubscriptionTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(TierFree):
		return TierFree, nil
	case string(TierPremium):
		return TierPremium, nil
	}
	return "", &ValidationError{Field: "subscription_tier", Message: "must be free or premium"}
}

func (t *SubscriptionTier) UnmarshalText(text []byte) error {
	v, err := ParseSubscriptionTier(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TrendSignal classifies recent market movement.
type TrendSignal string

const (
	TrendBullish TrendSignal = "bullish"
	TrendBearish TrendSignal = "bearish"
	TrendNeutral TrendSignal = "neutral"
)
