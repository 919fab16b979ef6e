package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/faults"
)

const telegramAPI = "https://api.telegram.org"

// TelegramOptions configures the operator chat mirror.
type TelegramOptions struct {
	BotToken string
	ChatID   string
	APIBase  string
	// Silent delivers mirrored alerts without a notification sound.
	Silent bool
}

// Telegram mirrors delivered alerts to an operator chat through the Bot API.
type Telegram struct {
	opts     TelegramOptions
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram constructs a Telegram mirror. Missing credentials are a config error.
func NewTelegram(opts TelegramOptions, logger zerolog.Logger) (*Telegram, error) {
	if opts.BotToken == "" || opts.ChatID == "" {
		return nil, faults.FatalConfig("new telegram mirror", "bot token and chat id are required")
	}
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = telegramAPI
	}
	return &Telegram{
		opts:     opts,
		endpoint: base + "/bot" + opts.BotToken + "/sendMessage",
		client:   &http.Client{},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}, nil
}

// Name implements Mirror.
func (t *Telegram) Name() string { return "telegram" }

type sendMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
	DisablePreview      bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Notify posts the alert as an HTML message. The caller bounds it through ctx.
func (t *Telegram) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(sendMessage{
		ChatID:              t.opts.ChatID,
		Text:                alertHTML(payload),
		ParseMode:           "HTML",
		DisableNotification: t.opts.Silent,
		DisablePreview:      true,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return faults.Transient("mirror to telegram", err)
	}
	defer resp.Body.Close()

	var res botResponse
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode/100 == 2 && res.OK {
		t.logger.Debug().Str("rule_id", payload.Data["rule_id"]).Str("pair", payload.Data["pair"]).Msg("alert mirrored")
		return nil
	}
	return botError(resp.StatusCode, res)
}

func botError(status int, res botResponse) error {
	desc := res.Description
	if desc == "" {
		desc = http.StatusText(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return faults.Transient("mirror to telegram", fmt.Errorf("rate limited, retry after %ds", res.Parameters.RetryAfter))
	case status >= 500:
		return faults.Transient("mirror to telegram", fmt.Errorf("bot api %d: %s", status, desc))
	case status == http.StatusUnauthorized || status == http.StatusNotFound:
		return faults.FatalConfig("mirror to telegram", "bot token rejected: %s", desc)
	default:
		return faults.Validation("mirror to telegram", "bot api %d: %s", status, desc)
	}
}

// alertHTML renders the operator view of an alert. Values are escaped for Telegram's
// HTML parse mode.
func alertHTML(payload Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n%s", html.EscapeString(payload.Title), html.EscapeString(payload.Body))
	for _, field := range []struct{ label, key string }{
		{"Rule", "rule_id"},
		{"User", "user_id"},
		{"Threshold", "threshold"},
		{"Rate", "rate"},
	} {
		if v := payload.Data[field.key]; v != "" {
			fmt.Fprintf(&b, "\n%s: <code>%s</code>", field.label, html.EscapeString(v))
		}
	}
	if asOf, err := time.Parse(time.RFC3339, payload.Data["as_of"]); err == nil {
		fmt.Fprintf(&b, "\n<i>as of %s UTC</i>", asOf.UTC().Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

var _ Mirror = (*Telegram)(nil)
