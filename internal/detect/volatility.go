package detect

import (
	"math"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/market"
)

const (
	volatilityBaseConfidence = 0.70
	volatilityStepConfidence = 0.05
	volatilityMaxConfidence  = 0.85
)

// VolatilityDetector fires when close sits beyond Sigma deviations of the
// rolling mean on Confirmations consecutive candles.
type VolatilityDetector struct {
	cfg Config
}

// NewVolatilityDetector builds the statistical detector.
func NewVolatilityDetector(cfg Config) *VolatilityDetector {
	return &VolatilityDetector{cfg: cfg.withDefaults()}
}

type baseline struct {
	mean  float64
	stdev float64
	atr   float64
}

func (d *VolatilityDetector) baselineOf(bars []market.Candle) (baseline, bool) {
	mean, sd, err := meanStdev(bars)
	if err != nil || sd == 0 {
		return baseline{}, false
	}
	atr, err := averageTrueRange(bars, d.cfg.ATRPeriod)
	if err != nil {
		return baseline{}, false
	}
	return baseline{mean: mean, stdev: sd, atr: atr}, true
}

func (b baseline) z(close float64) float64 { return (close - b.mean) / b.stdev }

// Detect evaluates the run formed by the last Confirmations candles against the
// Window candles that precede the run. The run must be the onset of the
// excursion: the candle before it may not already be extreme.
func (d *VolatilityDetector) Detect(w *Window) []Signal {
	k := d.cfg.Confirmations
	need := d.cfg.Window + k
	if w.Len() < need {
		return nil
	}

	bars := w.Candles()
	n := len(bars)
	runStart := n - k
	base, ok := d.baselineOf(bars[runStart-d.cfg.Window : runStart])
	if !ok {
		return nil
	}

	sign := 0
	var lastZ float64
	for i := runStart; i < n; i++ {
		z := base.z(bars[i].Close)
		if math.Abs(z) <= d.cfg.Sigma {
			return nil
		}
		s := 1
		if z < 0 {
			s = -1
		}
		if sign != 0 && s != sign {
			return nil
		}
		sign = s
		lastZ = z
	}

	if prev := runStart - 1; prev-d.cfg.Window >= 0 {
		if pb, ok := d.baselineOf(bars[prev-d.cfg.Window : prev]); ok {
			pz := pb.z(bars[prev].Close)
			if math.Abs(pz) > d.cfg.Sigma && (pz > 0) == (sign > 0) {
				return nil
			}
		}
	}

	dir := alert.Long
	if sign < 0 {
		dir = alert.Short
	}
	return []Signal{{
		Pattern:    alert.PatternVolatilityExtreme,
		Direction:  dir,
		Confidence: volatilityConfidence(math.Abs(lastZ), d.cfg.Sigma),
		Entry:      base.mean,
		HalfBand:   0.5 * base.stdev,
		ATR:        base.atr,
		ZScore:     lastZ,
	}}
}

func volatilityConfidence(absZ, sigma float64) float64 {
	steps := math.Floor(absZ - sigma)
	if steps < 0 {
		steps = 0
	}
	return math.Min(volatilityMaxConfidence, volatilityBaseConfidence+volatilityStepConfidence*steps)
}

var _ Detector = (*VolatilityDetector)(nil)
