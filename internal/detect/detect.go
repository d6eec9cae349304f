// Package detect turns per-instrument candle windows into raw opportunity events.
//
// Detectors are pure functions of a Window; an Engine owns one Window per
// instrument and serialises access to it.
package detect

import (
	"math"

	"trade-alerts/internal/alert"
)

// Config holds the detection parameters.
type Config struct {
	Window             int     `mapstructure:"window"`
	Sigma              float64 `mapstructure:"sigma"`
	Confirmations      int     `mapstructure:"confirmations"`
	ATRPeriod          int     `mapstructure:"atr_period"`
	RewardMultiple     float64 `mapstructure:"reward_multiple"`
	TickSize           float64 `mapstructure:"tick_size"`
	BreakLookback      int     `mapstructure:"break_lookback"`
	DivergenceLookback int     `mapstructure:"divergence_lookback"`
	RSIPeriod          int     `mapstructure:"rsi_period"`
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		Window:             20,
		Sigma:              2.0,
		Confirmations:      2,
		ATRPeriod:          14,
		RewardMultiple:     2.5,
		TickSize:           0.01,
		BreakLookback:      20,
		DivergenceLookback: 10,
		RSIPeriod:          14,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 1 {
		c.Window = d.Window
	}
	if c.Sigma <= 0 {
		c.Sigma = d.Sigma
	}
	if c.Confirmations <= 0 {
		c.Confirmations = d.Confirmations
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = d.ATRPeriod
	}
	if c.RewardMultiple <= 0 {
		c.RewardMultiple = d.RewardMultiple
	}
	if c.TickSize <= 0 {
		c.TickSize = d.TickSize
	}
	if c.BreakLookback <= 0 {
		c.BreakLookback = d.BreakLookback
	}
	if c.DivergenceLookback <= 0 {
		c.DivergenceLookback = d.DivergenceLookback
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = d.RSIPeriod
	}
	// the volatility baseline measures ATR inside its Window candles
	if c.Window < c.ATRPeriod {
		c.Window = c.ATRPeriod
	}
	return c
}

// capacity is the window size every detector needs to decide.
func (c Config) capacity() int {
	n := c.Window + c.Confirmations + 1
	if v := c.BreakLookback + 1; v > n {
		n = v
	}
	if v := c.DivergenceLookback + c.RSIPeriod + 1; v > n {
		n = v
	}
	if v := c.ATRPeriod + 1; v > n {
		n = v
	}
	return n
}

// Signal is one detector's vote on the latest candle.
type Signal struct {
	Pattern    alert.Pattern
	Direction  alert.Direction
	Confidence float64
	Entry      float64
	HalfBand   float64
	ATR        float64
	ZScore     float64
}

// Detector inspects a window and votes on its latest candle.
// Returning nil is abstention.
type Detector interface {
	Detect(w *Window) []Signal
}

// sizing derives the entry band, stop and target for a signal.
// Stop and target stay at least one tick outside the band.
func sizing(s Signal, reward, tick float64) (lo, hi, stop, target float64) {
	lo = s.Entry - s.HalfBand
	hi = s.Entry + s.HalfBand
	switch s.Direction {
	case alert.Short:
		stop = math.Max(s.Entry+s.ATR, hi+tick)
		target = math.Min(s.Entry-s.ATR*reward, lo-tick)
	default:
		stop = math.Min(s.Entry-s.ATR, lo-tick)
		target = math.Max(s.Entry+s.ATR*reward, hi+tick)
	}
	return lo, hi, stop, target
}
