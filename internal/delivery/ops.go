package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpsAlert is an operational (non-trading) alert for the on-call operator.
type OpsAlert struct {
	Kind       string
	AlertID    string
	Instrument string
	Message    string
	At         time.Time
}

// OpsAlerter raises operational alerts.
type OpsAlerter interface {
	Raise(ctx context.Context, a OpsAlert) error
}

// LogOpsAlerter writes operational alerts to the log at error level.
type LogOpsAlerter struct {
	logger zerolog.Logger
}

// NewLogOpsAlerter builds the always-on alerter.
func NewLogOpsAlerter(logger zerolog.Logger) *LogOpsAlerter {
	return &LogOpsAlerter{logger: logger.With().Str("component", "ops_alert").Logger()}
}

// Raise implements OpsAlerter.
func (l *LogOpsAlerter) Raise(_ context.Context, a OpsAlert) error {
	l.logger.Error().Str("kind", a.Kind).
		Str("alert_id", a.AlertID).
		Str("instrument", a.Instrument).
		Time("at", a.At).
		Msg(a.Message)
	return nil
}

// TelegramOpsAlerter sends operational alerts to a separate ops chat.
type TelegramOpsAlerter struct {
	sender *TelegramSender
}

// NewTelegramOpsAlerter wraps a sender bound to the ops chat.
func NewTelegramOpsAlerter(sender *TelegramSender) *TelegramOpsAlerter {
	return &TelegramOpsAlerter{sender: sender}
}

// Raise implements OpsAlerter.
func (t *TelegramOpsAlerter) Raise(ctx context.Context, a OpsAlert) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[OPS %s]\n", a.Kind))
	if a.AlertID != "" {
		b.WriteString(fmt.Sprintf("Alert: %s\n", a.AlertID))
	}
	if a.Instrument != "" {
		b.WriteString(fmt.Sprintf("Instrument: %s\n", a.Instrument))
	}
	b.WriteString(fmt.Sprintf("At: %s\n", a.At.UTC().Format(time.RFC3339)))
	b.WriteString(a.Message)
	return t.sender.Send(ctx, b.String())
}

// MultiOpsAlerter raises on every alerter and joins their errors.
type MultiOpsAlerter []OpsAlerter

// Raise implements OpsAlerter.
func (m MultiOpsAlerter) Raise(ctx context.Context, a OpsAlert) error {
	var errs []error
	for _, o := range m {
		if err := o.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ OpsAlerter = (*LogOpsAlerter)(nil)
	_ OpsAlerter = (*TelegramOpsAlerter)(nil)
	_ OpsAlerter = MultiOpsAlerter(nil)
)
