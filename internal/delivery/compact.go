package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"trade-alerts/internal/alert"
)

// CompactSender posts short text messages to an HTTP SMS gateway.
type CompactSender struct {
	url        string
	token      string
	recipients []string
	client     *http.Client
}

// NewCompactSender builds a gateway client. token is sent as a bearer token
// when non-empty.
func NewCompactSender(url, token string, recipients []string, timeout time.Duration) *CompactSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CompactSender{
		url:        url,
		token:      token,
		recipients: recipients,
		client:     &http.Client{Timeout: timeout},
	}
}

type smsRequest struct {
	To   []string `json:"to"`
	Text string   `json:"text"`
}

// Send delivers text to every configured recipient in one gateway call.
func (s *CompactSender) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(smsRequest{To: s.recipients, Text: text})
	if err != nil {
		return fmt.Errorf("marshal sms payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway status %d", resp.StatusCode)
	}
	return nil
}

// CompactChannel is the tertiary channel.
type CompactChannel struct {
	sender *CompactSender
}

// NewCompactChannel wraps an SMS gateway client.
func NewCompactChannel(sender *CompactSender) *CompactChannel {
	return &CompactChannel{sender: sender}
}

// Kind implements Channel.
func (c *CompactChannel) Kind() alert.ChannelKind { return alert.ChannelCompactText }

// Deliver implements Channel.
func (c *CompactChannel) Deliver(ctx context.Context, rec alert.Record) alert.Attempt {
	return attempt(ctx, c.Kind(), rec, func(ctx context.Context) error {
		return c.sender.Send(ctx, RenderCompact(alert.PayloadOf(rec)))
	})
}

var _ Channel = (*CompactChannel)(nil)
