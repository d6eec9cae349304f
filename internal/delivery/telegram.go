package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
)

// TelegramSender 通过 Telegram Bot API 推送文本。
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSender 构造 Telegram 发送器。
func NewTelegramSender(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Send 调用 sendMessage API。
func (n *TelegramSender) Send(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}
	return nil
}

// StoreAndForwardChannel is the secondary channel: Telegram's servers hold
// the message until the operator's client picks it up.
type StoreAndForwardChannel struct {
	sender *TelegramSender
	logger zerolog.Logger
}

// NewStoreAndForwardChannel wraps a Telegram sender.
func NewStoreAndForwardChannel(sender *TelegramSender, logger zerolog.Logger) *StoreAndForwardChannel {
	return &StoreAndForwardChannel{
		sender: sender,
		logger: logger.With().Str("component", "channel_store_and_forward").Logger(),
	}
}

// Kind implements Channel.
func (c *StoreAndForwardChannel) Kind() alert.ChannelKind { return alert.ChannelStoreAndForward }

// Deliver implements Channel.
func (c *StoreAndForwardChannel) Deliver(ctx context.Context, rec alert.Record) alert.Attempt {
	a := attempt(ctx, c.Kind(), rec, func(ctx context.Context) error {
		return c.sender.Send(ctx, RenderMessage(alert.PayloadOf(rec)))
	})
	if a.Succeeded() {
		c.logger.Info().Str("alert_id", rec.ID).
			Str("instrument", rec.Instrument).
			Str("pattern", string(rec.Pattern)).
			Msg("告警已发送 (Telegram)")
	}
	return a
}

var _ Channel = (*StoreAndForwardChannel)(nil)
