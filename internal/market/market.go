package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// ErrSourceClosed is returned once a source has no more events to yield.
var ErrSourceClosed = errors.New("market: source closed")

// instrumentPattern keeps symbols free of whitespace and of the separators
// used by the text renderings.
var instrumentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,63}$`)

// ValidInstrument reports whether s is an acceptable instrument symbol.
func ValidInstrument(s string) bool { return instrumentPattern.MatchString(s) }

// Candle is one OHLCV bar for an instrument.
type Candle struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Body returns the absolute open/close distance.
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Validate rejects malformed symbols, non-finite or non-positive prices and
// bars whose extremes do not contain open and close.
func (c Candle) Validate() error {
	if c.Instrument == "" {
		return errors.New("candle instrument is required")
	}
	if !ValidInstrument(c.Instrument) {
		return fmt.Errorf("candle instrument %q has unsupported characters", c.Instrument)
	}
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is required")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			return fmt.Errorf("candle %s must be a positive finite number, got %v", f.name, f.v)
		}
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("candle volume must be a non-negative finite number, got %v", c.Volume)
	}
	if c.High < c.Low {
		return errors.New("candle high below low")
	}
	if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
		return errors.New("candle open/close outside high/low")
	}
	return nil
}

// OperatorEvent is an operator decision on a delivered alert.
type OperatorEvent struct {
	AlertID     string    `json:"alert_id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
	OutcomeLink string    `json:"outcome_link,omitempty"`
}

// CandleSource yields a time-ordered candle stream.
type CandleSource interface {
	NextCandle(ctx context.Context) (Candle, error)
	Close() error
}

// ActionSource yields operator-action events.
type ActionSource interface {
	NextAction(ctx context.Context) (OperatorEvent, error)
	Close() error
}
