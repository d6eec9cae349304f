package alert

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade-alerts/internal/market"
)

// ErrInvalidRecord marks an opportunity that violates record invariants.
var ErrInvalidRecord = errors.New("alert: invalid record")

// FormatterOptions tune normalisation.
type FormatterOptions struct {
	TickSize    float64
	PriceBucket float64
}

// Formatter normalises raw opportunities into canonical records.
type Formatter struct {
	tick   decimal.Decimal
	bucket float64
	newID  func() string
}

// NewFormatter constructs a Formatter; ids are random UUIDs.
func NewFormatter(opts FormatterOptions) *Formatter {
	tick := opts.TickSize
	if tick <= 0 {
		tick = 0.01
	}
	bucket := opts.PriceBucket
	if bucket <= 0 {
		bucket = tick
	}
	return &Formatter{
		tick:   decimal.NewFromFloat(tick),
		bucket: bucket,
		newID:  uuid.NewString,
	}
}

// WithIDGenerator replaces the id source, used by deterministic replays.
func (f *Formatter) WithIDGenerator(gen func() string) *Formatter {
	f.newID = gen
	return f
}

// Format validates op and produces a record in StatusNormalized.
func (f *Formatter) Format(op Opportunity) (Record, error) {
	if op.Instrument == "" {
		return Record{}, fmt.Errorf("%w: instrument is required", ErrInvalidRecord)
	}
	if !market.ValidInstrument(op.Instrument) {
		return Record{}, fmt.Errorf("%w: instrument %q has unsupported characters", ErrInvalidRecord, op.Instrument)
	}
	if op.At.IsZero() {
		return Record{}, fmt.Errorf("%w: detection timestamp is required", ErrInvalidRecord)
	}
	if math.IsNaN(op.Confidence) || op.Confidence < 0 || op.Confidence > 1 {
		return Record{}, fmt.Errorf("%w: confidence %.4f outside [0,1]", ErrInvalidRecord, op.Confidence)
	}
	for _, v := range []float64{op.Price, op.EntryMin, op.EntryMax, op.Stop, op.Target} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return Record{}, fmt.Errorf("%w: non-positive price in snapshot", ErrInvalidRecord)
		}
	}

	snap := Snapshot{
		Price:  f.round(op.Price),
		Entry:  Band{Min: f.round(op.EntryMin), Max: f.round(op.EntryMax)},
		Stop:   f.round(op.Stop),
		Target: f.round(op.Target),
	}
	if err := ValidateSnapshot(op.Direction, snap); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         f.newID(),
		DetectedAt: op.At.UTC(),
		Pattern:    op.Pattern,
		Direction:  op.Direction,
		Level:      LevelFor(op.Confidence),
		Instrument: op.Instrument,
		Snapshot:   snap,
		Confidence: op.Confidence,
		RiskReward: RiskReward(snap),
		Signals:    append([]Pattern(nil), op.Signals...),
		DedupKey:   DedupKey(op.Pattern, op.Instrument, op.Price, f.bucket),
		Status:     StatusCreated,
	}
	if err := rec.Transition(StatusNormalized); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (f *Formatter) round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(f.tick).Round(0).Mul(f.tick)
}

// ValidateSnapshot enforces band ordering and stop/target placement for the bias.
func ValidateSnapshot(dir Direction, s Snapshot) error {
	if s.Entry.Min.GreaterThan(s.Entry.Max) {
		return fmt.Errorf("%w: entry band min %s above max %s", ErrInvalidRecord, s.Entry.Min, s.Entry.Max)
	}
	switch dir {
	case Long:
		if !s.Stop.LessThan(s.Entry.Min) || !s.Entry.Max.LessThan(s.Target) {
			return fmt.Errorf("%w: long requires stop < band.min <= band.max < target", ErrInvalidRecord)
		}
	case Short:
		if !s.Target.LessThan(s.Entry.Min) || !s.Entry.Max.LessThan(s.Stop) {
			return fmt.Errorf("%w: short requires target < band.min <= band.max < stop", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRecord, dir)
	}
	return nil
}

// RiskReward returns |target-entry| / |entry-stop| with entry at the band midpoint.
func RiskReward(s Snapshot) decimal.Decimal {
	entry := s.Entry.Mid()
	risk := entry.Sub(s.Stop).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return s.Target.Sub(entry).Abs().Div(risk).Round(2)
}
