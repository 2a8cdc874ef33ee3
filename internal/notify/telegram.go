package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"pricealerts/internal/models"

	"github.com/go-resty/resty/v2"
)

// Numeric chat ids (negative for groups) or public @channel names.
var chatIDPattern = regexp.MustCompile(`^(-?\d{1,20}|@[A-Za-z][A-Za-z0-9_]{4,31})$`)

// ErrBotTokenMissing is returned by Check when no bot token is configured.
var ErrBotTokenMissing = errors.New("telegram bot token not configured")

type telegramResponse struct {
	OK          bool    `json:"ok"`
	Description string  `json:"description,omitempty"`
	ErrorCode   int     `json:"error_code,omitempty"`
	Result      BotInfo `json:"result,omitempty"`
}

// BotInfo is the bot identity returned by getMe.
type BotInfo struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Telegram delivers messages through the Bot API sendMessage method.
type Telegram struct {
	client *resty.Client
	token  string
}

func NewTelegram(apiURL, token string, timeout time.Duration) *Telegram {
	return &Telegram{
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(apiURL, "/")).
			SetTimeout(timeout),
		token: token,
	}
}

func (t *Telegram) Kind() models.ChannelKind {
	return models.ChannelTelegram
}

// FormatMessage renders the HTML text sent to the chat.
func FormatMessage(title, body string) string {
	return fmt.Sprintf("🚨 <b>%s</b>\n\n%s", html.EscapeString(title), html.EscapeString(body))
}

func (t *Telegram) fail(reason string, err error) error {
	if err != nil && t.token != "" {
		// transport errors embed the request URL, which carries the token
		err = errors.New(strings.ReplaceAll(err.Error(), t.token, "<redacted>"))
	}
	return &ChannelError{Channel: models.ChannelTelegram, Reason: reason, Err: err}
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if t.token == "" {
		return t.fail(ReasonAuthMissing, ErrBotTokenMissing)
	}
	if !chatIDPattern.MatchString(msg.Destination) {
		return t.fail(ReasonInvalidDestination, fmt.Errorf("malformed chat id %q", msg.Destination))
	}

	var result telegramResponse
	var apiErr telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"chat_id":                  msg.Destination,
			"text":                     FormatMessage(msg.Title, msg.Body),
			"parse_mode":               "HTML",
			"disable_web_page_preview": true,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return t.fail(ReasonTransport, err)
	}

	if resp.IsError() {
		desc := apiErr.Description
		if desc == "" {
			desc = resp.Status()
		}
		cause := fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode(), desc)
		switch resp.StatusCode() {
		case http.StatusUnauthorized:
			return t.fail(ReasonUnauthorized, cause)
		case http.StatusTooManyRequests:
			return t.fail(ReasonRateLimited, cause)
		case http.StatusBadRequest, http.StatusForbidden:
			if strings.Contains(strings.ToLower(desc), "chat not found") ||
				strings.Contains(strings.ToLower(desc), "blocked") ||
				resp.StatusCode() == http.StatusForbidden {
				return t.fail(ReasonInvalidDestination, cause)
			}
		}
		return t.fail(ReasonUpstream, cause)
	}
	if !result.OK {
		return t.fail(ReasonUpstream, fmt.Errorf("telegram API rejected message: %s", result.Description))
	}
	return nil
}

// Check validates the bot token by calling getMe.
func (t *Telegram) Check(ctx context.Context) (*BotInfo, error) {
	if t.token == "" {
		return nil, t.fail(ReasonAuthMissing, ErrBotTokenMissing)
	}
	var result telegramResponse
	var apiErr telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get("/bot" + t.token + "/getMe")
	if err != nil {
		return nil, t.fail(ReasonTransport, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, t.fail(ReasonUnauthorized, fmt.Errorf("invalid bot token: %s", apiErr.Description))
	}
	if resp.IsError() || !result.OK {
		return nil, t.fail(ReasonUpstream, fmt.Errorf("getMe failed with status %d", resp.StatusCode()))
	}
	return &result.Result, nil
}
