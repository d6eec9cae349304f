package detect

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/market"
)

// ErrOutOfOrder rejects a candle not newer than the instrument's last one.
var ErrOutOfOrder = errors.New("detect: candle out of order")

type instrumentState struct {
	mu     sync.Mutex
	window *Window
	last   time.Time
}

// Engine owns one rolling window per instrument and runs every detector on it.
type Engine struct {
	cfg       Config
	detectors []Detector
	logger    zerolog.Logger

	mu     sync.RWMutex
	states map[string]*instrumentState
}

// NewEngine wires the volatility and technical detectors.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		detectors: []Detector{NewVolatilityDetector(cfg), NewTechnicalDetector(cfg)},
		logger:    logger.With().Str("component", "detect_engine").Logger(),
		states:    make(map[string]*instrumentState),
	}
}

func (e *Engine) state(instrument string) *instrumentState {
	e.mu.RLock()
	st, ok := e.states[instrument]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[instrument]; ok {
		return st
	}
	st = &instrumentState{window: NewWindow(e.cfg.capacity())}
	e.states[instrument] = st
	return st
}

// Process appends c to its instrument window and returns at most one opportunity.
// An empty result with nil error is abstention.
func (e *Engine) Process(c market.Candle) ([]alert.Opportunity, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	st := e.state(c.Instrument)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.last.IsZero() && !c.Timestamp.After(st.last) {
		return nil, fmt.Errorf("%w: %s at %s", ErrOutOfOrder, c.Instrument, c.Timestamp.Format(time.RFC3339))
	}
	st.last = c.Timestamp
	st.window.Push(c)

	var signals []Signal
	for _, d := range e.detectors {
		signals = append(signals, d.Detect(st.window)...)
	}

	v, ok := Combine(signals)
	if !ok {
		if len(signals) > 0 {
			e.logger.Debug().Str("instrument", c.Instrument).Int("signals", len(signals)).Msg("conflicting signals, abstaining")
		}
		return nil, nil
	}

	lo, hi, stop, target := sizing(v.Dominant, e.cfg.RewardMultiple, e.cfg.TickSize)
	op := alert.Opportunity{
		Instrument: c.Instrument,
		At:         c.Timestamp,
		Pattern:    v.Dominant.Pattern,
		Direction:  v.Dominant.Direction,
		Confidence: v.Confidence,
		Signals:    v.Patterns,
		Price:      c.Close,
		EntryMin:   lo,
		EntryMax:   hi,
		Stop:       stop,
		Target:     target,
		ZScore:     v.Dominant.ZScore,
	}
	e.logger.Debug().Str("instrument", c.Instrument).
		Str("pattern", string(op.Pattern)).
		Str("direction", string(op.Direction)).
		Float64("confidence", op.Confidence).
		Msg("opportunity detected")
	return []alert.Opportunity{op}, nil
}

// Instruments lists the instruments with a window, sorted.
func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.states))
	for k := range e.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
