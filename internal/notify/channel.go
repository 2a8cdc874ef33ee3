package notify

import (
	"context"
	"fmt"

	"pricealerts/internal/models"
)

// Failure reasons carried by ChannelError.
const (
	ReasonAuthMissing        = "auth_missing"
	ReasonInvalidDestination = "invalid_destination"
	ReasonUnauthorized       = "unauthorized"
	ReasonRateLimited        = "rate_limited"
	ReasonTransport          = "transport"
	ReasonUpstream           = "upstream"
)

// Message is what a channel delivers to one destination.
type Message struct {
	Destination string
	Title       string
	Body        string
	AlertID     string
	Symbol      string
	Kind        models.AlertKind
	Price       float64
}

// Channel delivers messages over one mechanism.
type Channel interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, msg Message) error
}

// ChannelError is a delivery failure on one channel.
type ChannelError struct {
	Channel models.ChannelKind
	Reason  string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s delivery failed: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
