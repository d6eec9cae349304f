package detect

import (
	"math"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/market"
)

const (
	engulfingConfidence  = 0.65
	divergenceConfidence = 0.60
	levelBreakConfidence = 0.70

	// technical entries sit within a quarter ATR of the trigger close
	technicalHalfBandATR = 0.25
)

// TechnicalDetector recognises engulfing reversals, momentum divergences and
// level breaks on the latest candle.
type TechnicalDetector struct {
	cfg Config
}

// NewTechnicalDetector builds the pattern detector.
func NewTechnicalDetector(cfg Config) *TechnicalDetector {
	return &TechnicalDetector{cfg: cfg.withDefaults()}
}

// Detect returns every pattern the latest candle completes.
func (d *TechnicalDetector) Detect(w *Window) []Signal {
	bars := w.Candles()
	if len(bars) < 2 {
		return nil
	}
	atr, err := averageTrueRange(bars, min(d.cfg.ATRPeriod, len(bars)))
	if err != nil || atr <= 0 {
		return nil
	}

	var out []Signal
	last := bars[len(bars)-1]
	add := func(p alert.Pattern, dir alert.Direction, conf float64) {
		out = append(out, Signal{
			Pattern:    p,
			Direction:  dir,
			Confidence: conf,
			Entry:      last.Close,
			HalfBand:   technicalHalfBandATR * atr,
			ATR:        atr,
		})
	}

	if dir, ok := engulfing(bars[len(bars)-2], last); ok {
		add(alert.PatternEngulfing, dir, engulfingConfidence)
	}
	if dir, ok := d.levelBreak(bars); ok {
		add(alert.PatternLevelBreak, dir, levelBreakConfidence)
	}
	if dir, ok := d.divergence(bars); ok {
		add(alert.PatternDivergence, dir, divergenceConfidence)
	}
	return out
}

// engulfing: the current body fully covers an opposite-coloured previous body.
func engulfing(prev, cur market.Candle) (alert.Direction, bool) {
	if cur.Body() <= prev.Body() {
		return "", false
	}
	if prev.Bearish() && cur.Bullish() && cur.Open <= prev.Close && cur.Close >= prev.Open {
		return alert.Long, true
	}
	if prev.Bullish() && cur.Bearish() && cur.Open >= prev.Close && cur.Close <= prev.Open {
		return alert.Short, true
	}
	return "", false
}

// levelBreak: close clears the prior N-candle high/low by at least one tick.
func (d *TechnicalDetector) levelBreak(bars []market.Candle) (alert.Direction, bool) {
	n := d.cfg.BreakLookback
	if len(bars) < n+1 {
		return "", false
	}
	prior := bars[len(bars)-1-n : len(bars)-1]
	high, low := math.Inf(-1), math.Inf(1)
	for _, b := range prior {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	last := bars[len(bars)-1]
	// absorbs float noise on exact one-tick breaks
	eps := d.cfg.TickSize * 1e-6
	switch {
	case last.Close >= high+d.cfg.TickSize-eps:
		return alert.Long, true
	case last.Close <= low-d.cfg.TickSize+eps:
		return alert.Short, true
	}
	return "", false
}

// divergence: close makes a new N-candle extreme while RSI does not.
func (d *TechnicalDetector) divergence(bars []market.Candle) (alert.Direction, bool) {
	n := d.cfg.DivergenceLookback
	if len(bars) < n+d.cfg.RSIPeriod+1 {
		return "", false
	}
	rsi := rsiSeries(bars, d.cfg.RSIPeriod)
	t := len(bars) - 1
	if math.IsNaN(rsi[t-n]) {
		return "", false
	}

	maxClose, minClose := math.Inf(-1), math.Inf(1)
	maxRSI, minRSI := math.Inf(-1), math.Inf(1)
	for i := t - n; i < t; i++ {
		maxClose = math.Max(maxClose, bars[i].Close)
		minClose = math.Min(minClose, bars[i].Close)
		maxRSI = math.Max(maxRSI, rsi[i])
		minRSI = math.Min(minRSI, rsi[i])
	}

	cur := bars[t].Close
	switch {
	case cur > maxClose && rsi[t] < maxRSI:
		return alert.Short, true
	case cur < minClose && rsi[t] > minRSI:
		return alert.Long, true
	}
	return "", false
}

var _ Detector = (*TechnicalDetector)(nil)
